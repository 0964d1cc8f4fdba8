// Command caltrans-hazards lists Caltrans lane closures and CHP incidents and
// shows the traffic factor they produce around a point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/safewalk/server/internal/clients/caltrans"
	"github.com/safewalk/server/internal/config"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/lib/routing"
)

func main() {
	var (
		feedType = flag.String("feed", "all", "Feed type: all, lanes, chp")
		file     = flag.String("file", "", "Parse a local KML file instead of the live feed")
		lat      = flag.Float64("lat", 38.2, "Latitude for geographic filtering and scoring")
		lon      = flag.Float64("lon", -120.3, "Longitude for geographic filtering and scoring")
		radius   = flag.Float64("radius", 0, "Only list incidents within this many meters (0 lists all)")
		score    = flag.Bool("score", false, "Score the traffic factor of a 100 m segment heading north from lat,lon")
	)
	flag.Parse()

	defaults := config.DefaultConfig().Providers.Caltrans
	feeds, err := selectFeeds(*feedType, defaults)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(logging.With(context.Background(), logging.NewProdLogger()), time.Minute)
	defer cancel()

	parser := caltrans.NewFeedParser()
	center := geo.Point{Latitude: *lat, Longitude: *lon}
	geoUtils := geo.NewGeoUtils()

	for _, feed := range feeds {
		incidents, err := load(ctx, parser, *file, feed)
		if err != nil {
			log.Fatalf("Failed to load %s feed: %v", feed.Type, err)
		}

		fmt.Printf("%s: %d incidents\n", feed.Type, len(incidents))
		for _, inc := range incidents {
			d, err := geoUtils.PointToPoint(center, inc.Location)
			if err != nil || (*radius > 0 && d > *radius) {
				continue
			}
			fmt.Printf("  %-12s %-12s %8.0f m  %s\n", inc.ID[:min(12, len(inc.ID))], inc.ParsedStatus, d, inc.Name)
		}
	}

	if !*score {
		return
	}
	if *file != "" {
		log.Fatal("-score needs live feeds")
	}

	matcher := routing.NewHazardMatcher(defaults.OnRouteMeters, defaults.NearbyMeters)
	provider := caltrans.NewProvider(parser, matcher, feeds...)
	segment := route.Segment{
		ID:           "probe",
		Start:        center,
		End:          geo.Point{Latitude: center.Latitude + 100/111320.0, Longitude: center.Longitude},
		LengthMeters: 100,
	}
	factor, err := provider.Fetch(ctx, segment, time.Now())
	if err != nil {
		log.Fatalf("Failed to score traffic: %v", err)
	}
	fmt.Printf("\ntraffic score %.3f from %s (%d hazards loaded)\n",
		factor.Score, strings.Join(factor.Sources, ","), provider.HazardCount())
}

func selectFeeds(kind string, cfg config.CaltransConfig) ([]caltrans.Feed, error) {
	lanes := caltrans.Feed{URL: cfg.LaneClosures.URL, Type: caltrans.LaneClosure, RefreshInterval: cfg.LaneClosures.RefreshInterval}
	chp := caltrans.Feed{URL: cfg.CHPIncidents.URL, Type: caltrans.CHPIncident, RefreshInterval: cfg.CHPIncidents.RefreshInterval}

	switch kind {
	case "lanes":
		return []caltrans.Feed{lanes}, nil
	case "chp":
		return []caltrans.Feed{chp}, nil
	case "all":
		return []caltrans.Feed{lanes, chp}, nil
	default:
		return nil, fmt.Errorf("unknown feed type %q", kind)
	}
}

func load(ctx context.Context, parser *caltrans.FeedParser, file string, feed caltrans.Feed) ([]caltrans.Incident, error) {
	if file == "" {
		return parser.ParseFeed(ctx, feed.URL, feed.Type)
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parser.Parse(f, feed.Type)
}
