// Command score-route scores a straight-line route offline. Every factor is
// served by a static provider so no network access is needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/safewalk/server/internal/config"
	"github.com/safewalk/server/internal/lib/assessment"
	"github.com/safewalk/server/internal/lib/export"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/riskfactors"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/services"
)

func main() {
	var (
		from       = flag.String("from", "", "start point as lat,lng")
		to         = flag.String("to", "", "end point as lat,lng")
		preference = flag.Float64("preference", 0.5, "safety (1) versus speed (0) preference")
		departure  = flag.String("at", "", "departure time in RFC 3339, defaults to now")
		spacing    = flag.Float64("spacing", 0, "straight-line waypoint spacing in meters")
		format     = flag.String("format", "json", "output format: json or kml")
		configPath = flag.String("config", "", "optional YAML configuration for weights and limits")
		age        = flag.Duration("age", 0, "age of every static observation")
	)
	scores := map[route.FactorName]float64{}
	flag.Func("factor", "static factor score as name=score, repeatable (default 0.5 each)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("expected name=score, got %q", s)
		}
		factor := route.FactorName(strings.TrimSpace(name))
		if !factor.IsKnown() {
			return fmt.Errorf("unknown factor %q", name)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || score < 0 || score > 1 {
			return fmt.Errorf("score for %s must be in [0,1]", name)
		}
		scores[factor] = score
		return nil
	})
	flag.Parse()

	start, err := parsePoint(*from)
	if err != nil {
		log.Fatalf("Invalid -from: %v", err)
	}
	end, err := parsePoint(*to)
	if err != nil {
		log.Fatalf("Invalid -to: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Routing.Supplier = config.SupplierStraightLine
	cfg.Routing.SpacingMeters = *spacing

	req := assessment.Request{Start: start, End: end, Preference: *preference}
	if *departure != "" {
		t, err := time.Parse(time.RFC3339, *departure)
		if err != nil {
			log.Fatalf("Invalid -at: %v", err)
		}
		req.DepartureTime = &t
	}

	providers := make([]route.Provider, 0, len(route.KnownFactors))
	for _, name := range route.KnownFactors {
		score, ok := scores[name]
		if !ok {
			score = 0.5
		}
		providers = append(providers, riskfactors.NewStaticProvider(name, score, *age))
	}

	ctx := logging.With(context.Background(), logging.NewProdLogger())
	svc, err := services.NewRouteSafetyService(ctx, cfg, services.WithProviders(providers...))
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer svc.Close(ctx)

	result := svc.CalculateSafestRoute(ctx, req)
	if !result.OK() {
		fmt.Fprintf(os.Stderr, "%s: %s\n", result.Code, result.Message)
		os.Exit(1)
	}

	switch strings.ToLower(*format) {
	case "kml":
		err = export.WriteKML(os.Stdout, result)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(result)
	default:
		log.Fatalf("Unknown format %q", *format)
	}
	if err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
}

func parsePoint(s string) (geo.Point, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return geo.Point{}, fmt.Errorf("expected lat,lng, got %q", s)
	}
	latitude, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return geo.Point{}, err
	}
	longitude, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return geo.Point{}, err
	}
	return geo.Point{Latitude: latitude, Longitude: longitude}, nil
}
