package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

const (
	defaultBaseURL = "https://routes.googleapis.com"
	fieldMask      = "routes.duration,routes.distanceMeters,routes.polyline.encodedPolyline"
	maxRetries     = 2
)

// HTTPDoer interface for HTTP client dependency injection
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides walking routes from the Google Routes API v2. It satisfies
// route.CandidateSupplier.
type Client struct {
	apiKey       string
	baseURL      string
	travelMode   string
	alternatives bool
	httpClient   HTTPDoer
	geoUtils     geo.GeoUtils
	now          func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithTravelMode sets the Routes API travel mode (WALK, BICYCLE, DRIVE)
func WithTravelMode(mode string) Option {
	return func(c *Client) {
		if mode != "" {
			c.travelMode = strings.ToUpper(mode)
		}
	}
}

// WithAlternatives asks the API for alternative routes
func WithAlternatives(enabled bool) Option {
	return func(c *Client) { c.alternatives = enabled }
}

// NewClient creates a new Google Routes API client
func NewClient(apiKey string, opts ...Option) *Client {
	return NewClientWithHTTPDoer(apiKey, defaultBaseURL, &http.Client{Timeout: 30 * time.Second}, opts...)
}

// NewClientWithHTTPDoer creates a client with a custom HTTP doer for testing
func NewClientWithHTTPDoer(apiKey, baseURL string, httpClient HTTPDoer, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		travelMode: "WALK",
		httpClient: httpClient,
		geoUtils:   geo.NewGeoUtils(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBaseRoute returns the first route the API suggests
func (c *Client) GetBaseRoute(ctx context.Context, req route.RouteRequest) (*route.BaseRoute, error) {
	routes, err := c.GetCandidateRoutes(ctx, req)
	if err != nil {
		return nil, err
	}
	return routes[0], nil
}

// GetCandidateRoutes returns every route in the API response, the primary
// route first
func (c *Client) GetCandidateRoutes(ctx context.Context, req route.RouteRequest) ([]*route.BaseRoute, error) {
	if !geo.IsValidCoordinate(req.Start) || !geo.IsValidCoordinate(req.End) {
		return nil, fmt.Errorf("%w: start or end coordinate out of range", route.ErrInvalidRoute)
	}

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var response routesResponse
	operation := func() error {
		response, err = c.computeRoutes(ctx, body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%w: google routes: %v", route.ErrProvider, err)
	}

	if len(response.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes found between start and end", route.ErrInvalidRoute)
	}

	routes := make([]*route.BaseRoute, 0, len(response.Routes))
	for i, r := range response.Routes {
		base, err := c.processRoute(r)
		if err != nil {
			return nil, fmt.Errorf("%w: route %d: %v", route.ErrProvider, i, err)
		}
		routes = append(routes, base)
	}
	return routes, nil
}

func (c *Client) buildRequest(req route.RouteRequest) routesRequest {
	body := routesRequest{
		Origin:                   waypointFor(req.Start),
		Destination:              waypointFor(req.End),
		TravelMode:               c.travelMode,
		ComputeAlternativeRoutes: c.alternatives,
	}
	// The API rejects departure times in the past
	if !req.DepartureTime.IsZero() && req.DepartureTime.After(c.now()) {
		body.DepartureTime = req.DepartureTime.UTC().Format(time.RFC3339)
	}
	return body
}

// computeRoutes performs one API call. Client errors are permanent, rate
// limits and server errors are retried.
func (c *Client) computeRoutes(ctx context.Context, body []byte) (routesResponse, error) {
	var response routesResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/directions/v2:computeRoutes", bytes.NewReader(body))
	if err != nil {
		return response, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	// Field mask is required or the API returns an error
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return response, backoff.Permanent(ctx.Err())
		}
		return response, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return response, errors.New("rate limit exceeded")
	case resp.StatusCode >= 500:
		return response, fmt.Errorf("API error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return response, backoff.Permanent(fmt.Errorf("API error %d: %s", resp.StatusCode, string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return response, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return response, nil
}

func (c *Client) processRoute(r googleRoute) (*route.BaseRoute, error) {
	points, err := c.geoUtils.DecodePolyline(r.Polyline.EncodedPolyline)
	if err != nil {
		return nil, fmt.Errorf("failed to decode polyline: %w", err)
	}
	if len(points) < 2 {
		return nil, errors.New("route polyline has fewer than two points")
	}

	duration, err := parseDuration(r.Duration)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}

	return &route.BaseRoute{
		Coordinates:     points,
		DistanceMeters:  float64(r.DistanceMeters),
		DurationSeconds: duration,
	}, nil
}

// parseDuration parses Google's duration format like "450s" to seconds. An
// empty value means the duration is unknown.
func parseDuration(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(strings.TrimSuffix(value, "s"), 64)
	if err != nil {
		return 0, err
	}
	if seconds < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return seconds, nil
}

func waypointFor(p geo.Point) waypoint {
	var w waypoint
	w.Location.LatLng = latLng{Latitude: p.Latitude, Longitude: p.Longitude}
	return w
}

type routesRequest struct {
	Origin                   waypoint `json:"origin"`
	Destination              waypoint `json:"destination"`
	TravelMode               string   `json:"travelMode"`
	DepartureTime            string   `json:"departureTime,omitempty"`
	ComputeAlternativeRoutes bool     `json:"computeAlternativeRoutes,omitempty"`
}

type waypoint struct {
	Location struct {
		LatLng latLng `json:"latLng"`
	} `json:"location"`
}

type latLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type routesResponse struct {
	Routes []googleRoute `json:"routes"`
}

type googleRoute struct {
	Duration       string         `json:"duration"`
	DistanceMeters int32          `json:"distanceMeters"`
	Polyline       googlePolyline `json:"polyline"`
}

type googlePolyline struct {
	EncodedPolyline string `json:"encodedPolyline"`
}
