package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/safewalk/server/internal/cache"
	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
)

// Source is recorded on every weather observation
const Source = "openweather"

const (
	defaultBaseURL = "https://api.openweathermap.org/data/2.5"
	// Observations are shared by segments in the same 0.01 degree cell
	gridPrecision = 2
	conditionsTTL = 10 * time.Minute
	maxRetries    = 2
)

// HTTPDoer interface for HTTP client dependency injection
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Conditions are the current weather conditions at a location
type Conditions struct {
	Main               string    `json:"main"`
	Description        string    `json:"description"`
	TemperatureCelsius float64   `json:"temperature_celsius"`
	WindSpeedMs        float64   `json:"wind_speed_ms"`
	VisibilityMeters   int32     `json:"visibility_meters"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Client provides access to the OpenWeatherMap current weather API and
// implements route.Provider for the weather factor.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient HTTPDoer
	cache      *cache.Cache
	now        func() time.Time
}

// NewClient creates a new OpenWeatherMap API client. Conditions are kept in
// c for a few minutes; c may be nil.
func NewClient(apiKey, baseURL string, c *cache.Cache) *Client {
	return NewClientWithHTTPDoer(apiKey, baseURL, &http.Client{Timeout: 30 * time.Second}, c)
}

// NewClientWithHTTPDoer creates a client with a custom HTTP doer for testing
func NewClientWithHTTPDoer(apiKey, baseURL string, httpClient HTTPDoer, c *cache.Cache) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cache:      c,
		now:        time.Now,
	}
}

// Factor implements route.Provider
func (c *Client) Factor() route.FactorName {
	return route.FactorWeather
}

// Fetch implements route.Provider by scoring the conditions at the segment
// midpoint.
func (c *Client) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	conditions, err := c.GetCurrentWeather(ctx, segment.Midpoint())
	if err != nil {
		return route.RiskFactor{}, err
	}
	observed := conditions.ObservedAt
	if observed.IsZero() {
		observed = c.now()
	}
	return route.RiskFactor{
		Name:       route.FactorWeather,
		Score:      Score(conditions),
		ObservedAt: observed,
		Sources:    []string{Source},
	}, nil
}

// GetCurrentWeather retrieves current weather conditions for a point
func (c *Client) GetCurrentWeather(ctx context.Context, point geo.Point) (*Conditions, error) {
	if !geo.IsValidCoordinate(point) {
		return nil, errors.New("invalid coordinates")
	}

	key := cellKey(point)
	if c.cache != nil {
		var cached Conditions
		if found, err := c.cache.Get(key, &cached); err == nil && found {
			return &cached, nil
		}
	}

	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%.*f", gridPrecision, point.Latitude))
	params.Set("lon", fmt.Sprintf("%.*f", gridPrecision, point.Longitude))
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	requestURL := fmt.Sprintf("%s/weather?%s", c.baseURL, params.Encode())

	var response currentResponse
	operation := func() error {
		var err error
		response, err = c.get(ctx, requestURL)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	conditions := processCurrentWeatherResponse(response)
	if c.cache != nil {
		_ = c.cache.Set(key, conditions, conditionsTTL, Source)
	}
	return conditions, nil
}

func (c *Client) get(ctx context.Context, requestURL string) (currentResponse, error) {
	var response currentResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return response, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

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
		return response, errors.New("rate limit exceeded (60/minute)")
	case resp.StatusCode == http.StatusUnauthorized:
		return response, backoff.Permanent(errors.New("invalid API key"))
	case resp.StatusCode >= 500:
		return response, fmt.Errorf("API error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return response, backoff.Permanent(fmt.Errorf("API error %d: %s", resp.StatusCode, string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return response, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return response, nil
}

func processCurrentWeatherResponse(response currentResponse) *Conditions {
	conditions := &Conditions{
		TemperatureCelsius: response.Main.Temp,
		WindSpeedMs:        response.Wind.Speed,
		VisibilityMeters:   response.Visibility,
	}
	if len(response.Weather) > 0 {
		conditions.Main = response.Weather[0].Main
		conditions.Description = response.Weather[0].Description
	}
	if response.Dt > 0 {
		conditions.ObservedAt = time.Unix(response.Dt, 0).UTC()
	}
	return conditions
}

// conditionPenalty maps OpenWeatherMap condition groups to a safety penalty
var conditionPenalty = map[string]float64{
	"Thunderstorm": 0.5,
	"Tornado":      0.7,
	"Squall":       0.5,
	"Snow":         0.35,
	"Rain":         0.25,
	"Drizzle":      0.1,
	"Fog":          0.2,
	"Mist":         0.1,
	"Haze":         0.1,
	"Smoke":        0.2,
	"Dust":         0.2,
	"Sand":         0.2,
	"Ash":          0.3,
}

// Score converts conditions to a safety score in [0, 1], 1 being clear and calm
func Score(c *Conditions) float64 {
	score := 1.0 - conditionPenalty[c.Main]

	switch {
	case c.VisibilityMeters > 0 && c.VisibilityMeters < 1000:
		score -= 0.3
	case c.VisibilityMeters > 0 && c.VisibilityMeters < 5000:
		score -= 0.15
	}

	switch {
	case c.WindSpeedMs > 15:
		score -= 0.2
	case c.WindSpeedMs > 10:
		score -= 0.1
	}

	if c.TemperatureCelsius < -10 || c.TemperatureCelsius > 38 {
		score -= 0.15
	}

	return math.Max(0, math.Min(1, score))
}

func cellKey(p geo.Point) string {
	return fmt.Sprintf("weather:%.*f:%.*f", gridPrecision, p.Latitude, gridPrecision, p.Longitude)
}

type currentResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Visibility int32 `json:"visibility"`
	Dt         int64 `json:"dt"`
}
