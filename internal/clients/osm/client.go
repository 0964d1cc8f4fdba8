package osm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/serjvanilla/go-overpass"
	"golang.org/x/sync/singleflight"

	"github.com/safewalk/server/internal/cache"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

// Source is recorded on every OpenStreetMap observation
const Source = "openstreetmap"

const (
	// DefaultEndpoint is the public Overpass API instance
	DefaultEndpoint = "https://overpass-api.de/api/interpreter"
	featuresTTL     = 6 * time.Hour
	maxParallel     = 2
)

// Features counts the mapped objects around a segment that indicate how lit
// and how busy it is
type Features struct {
	StreetLamps int `json:"street_lamps"`
	LitWays     int `json:"lit_ways"`
	UnlitWays   int `json:"unlit_ways"`
	Amenities   int `json:"amenities"`
	Shops       int `json:"shops"`
	Buildings   int `json:"buildings"`
}

// Client queries OpenStreetMap features around route segments. Results are
// cached per segment geometry so the lighting and population providers share
// a single query.
type Client struct {
	client       *overpass.Client
	radiusMeters float64
	timeout      time.Duration
	cache        *cache.Cache
	group        singleflight.Group
}

// NewClient creates an Overpass client. c may be nil to disable caching.
func NewClient(endpoint string, radiusMeters float64, timeout time.Duration, c *cache.Cache) *Client {
	return NewClientWithHTTPClient(endpoint, radiusMeters, timeout, &http.Client{Timeout: timeout}, c)
}

// NewClientWithHTTPClient creates a client with a custom HTTP client for testing
func NewClientWithHTTPClient(endpoint string, radiusMeters float64, timeout time.Duration, httpClient *http.Client, c *cache.Cache) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if radiusMeters <= 0 {
		radiusMeters = 50
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := overpass.NewWithSettings(endpoint, maxParallel, httpClient)
	return &Client{
		client:       &client,
		radiusMeters: radiusMeters,
		timeout:      timeout,
		cache:        c,
	}
}

// Features returns the features within the search radius of the segment
func (c *Client) Features(ctx context.Context, segment route.Segment) (*Features, error) {
	if !geo.IsValidCoordinate(segment.Start) || !geo.IsValidCoordinate(segment.End) {
		return nil, fmt.Errorf("segment %s has invalid coordinates", segment.ID)
	}

	key := "overpass:" + segment.GeometryKey()
	if c.cache != nil {
		var cached Features
		if found, err := c.cache.Get(key, &cached); err == nil && found {
			return &cached, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		features, err := c.query(ctx, segment)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			_ = c.cache.Set(key, features, featuresTTL, Source)
		}
		return features, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Features), nil
}

func (c *Client) query(ctx context.Context, segment route.Segment) (*Features, error) {
	mid := segment.Midpoint()
	// Cover the whole segment, not just the area around its midpoint
	radius := math.Max(c.radiusMeters, segment.LengthMeters/2+c.radiusMeters)
	around := fmt.Sprintf("(around:%.0f,%.6f,%.6f)", radius, mid.Latitude, mid.Longitude)

	q := fmt.Sprintf(`
		[out:json][timeout:%d];
		(
			node["highway"="street_lamp"]%s;
			way["highway"]["lit"]%s;
			node["amenity"]%s;
			node["shop"]%s;
			way["building"]%s;
		);
		out tags;
	`, int(math.Ceil(c.timeout.Seconds())), around, around, around, around, around)

	result, err := c.executeQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	return countFeatures(result), nil
}

// executeQuery runs q, abandoning it when ctx is done. The library call
// itself is not context aware.
func (c *Client) executeQuery(ctx context.Context, q string) (*overpass.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		result overpass.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := c.client.Query(q)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("overpass query abandoned: %w", ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("overpass query failed: %w", o.err)
		}
		return &o.result, nil
	}
}

func countFeatures(result *overpass.Result) *Features {
	f := &Features{}
	for _, node := range result.Nodes {
		switch {
		case node.Tags["highway"] == "street_lamp":
			f.StreetLamps++
		case node.Tags["shop"] != "":
			f.Shops++
		case node.Tags["amenity"] != "":
			f.Amenities++
		}
	}
	for _, way := range result.Ways {
		switch lit := way.Tags["lit"]; {
		case way.Tags["building"] != "":
			f.Buildings++
		case lit == "no":
			f.UnlitWays++
		case lit != "":
			f.LitWays++
		}
	}
	return f
}
