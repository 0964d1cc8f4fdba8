package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/safewalk/server/internal/lib/route"
)

// EnvPrefix marks environment variables that override file settings.
// SAFEWALK_ENGINE__TIME_DECAY_HOURS sets engine.time_decay_hours.
const EnvPrefix = "SAFEWALK_"

// Supplier names accepted by routing.supplier
const (
	SupplierStraightLine = "straight_line"
	SupplierGoogle       = "google"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Routing   RoutingConfig   `yaml:"routing"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CorsOrigins []string `yaml:"cors_origins"`
}

// EngineConfig holds the assessment engine parameters
type EngineConfig struct {
	BaseWeights          map[string]float64 `yaml:"base_weights"`
	TimeDecayHours       float64            `yaml:"time_decay_hours"`
	AnomalyThreshold     float64            `yaml:"anomaly_threshold"`
	MaxRouteSegments     int                `yaml:"max_route_segments"`
	FetchConcurrency     int                `yaml:"fetch_concurrency"`
	FetchTimeout         time.Duration      `yaml:"fetch_timeout"`
	SupplierTimeout      time.Duration      `yaml:"supplier_timeout"`
	ProviderTimeout      time.Duration      `yaml:"provider_timeout"`
	CacheCleanupInterval time.Duration      `yaml:"cache_cleanup_interval"`
}

// RoutingConfig selects and configures the base route supplier
type RoutingConfig struct {
	Supplier      string       `yaml:"supplier"`
	SpacingMeters float64      `yaml:"spacing_meters"`
	GoogleRoutes  GoogleConfig `yaml:"google_routes"`
}

// GoogleConfig holds Google Routes API settings
type GoogleConfig struct {
	APIKey       string `yaml:"api_key"`
	TravelMode   string `yaml:"travel_mode"`
	Alternatives bool   `yaml:"alternatives"`
}

// ProvidersConfig holds the risk factor data sources
type ProvidersConfig struct {
	TimeZone string         `yaml:"time_zone"`
	Weather  WeatherConfig  `yaml:"weather"`
	Caltrans CaltransConfig `yaml:"caltrans"`
	Overpass OverpassConfig `yaml:"overpass"`
	Reports  ReportsConfig  `yaml:"reports"`
}

// WeatherConfig holds OpenWeatherMap settings
type WeatherConfig struct {
	Enabled           bool   `yaml:"enabled"`
	OpenWeatherAPIKey string `yaml:"openweather_api_key"`
	BaseURL           string `yaml:"base_url"`
}

// CaltransConfig holds Caltrans KML feed settings
type CaltransConfig struct {
	Enabled       bool               `yaml:"enabled"`
	CHPIncidents  CaltransFeedConfig `yaml:"chp_incidents"`
	LaneClosures  CaltransFeedConfig `yaml:"lane_closures"`
	OnRouteMeters float64            `yaml:"on_route_meters"`
	NearbyMeters  float64            `yaml:"nearby_meters"`
}

// CaltransFeedConfig holds individual feed configuration
type CaltransFeedConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	URL             string        `yaml:"url"`
}

// OverpassConfig holds OpenStreetMap Overpass settings
type OverpassConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	RadiusMeters float64       `yaml:"radius_meters"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ReportsConfig holds the safety report database settings
type ReportsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DatabaseURL  string        `yaml:"database_url"`
	RadiusMeters float64       `yaml:"radius_meters"`
	Lookback     time.Duration `yaml:"lookback"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CorsOrigins: []string{"*"},
		},
		Engine: EngineConfig{
			BaseWeights: map[string]float64{
				string(route.FactorCrime):      0.3,
				string(route.FactorLighting):   0.2,
				string(route.FactorPopulation): 0.15,
				string(route.FactorTraffic):    0.15,
				string(route.FactorWeather):    0.1,
				string(route.FactorTimeOfDay):  0.1,
			},
			TimeDecayHours:       24,
			AnomalyThreshold:     2.0,
			MaxRouteSegments:     route.DefaultMaxSegments,
			FetchConcurrency:     8,
			FetchTimeout:         10 * time.Second,
			SupplierTimeout:      10 * time.Second,
			ProviderTimeout:      2 * time.Second,
			CacheCleanupInterval: 10 * time.Minute,
		},
		Routing: RoutingConfig{
			Supplier:      SupplierStraightLine,
			SpacingMeters: 0,
			GoogleRoutes: GoogleConfig{
				TravelMode: "WALK",
			},
		},
		Providers: ProvidersConfig{
			TimeZone: "Local",
			Weather: WeatherConfig{
				BaseURL: "https://api.openweathermap.org/data/2.5",
			},
			Caltrans: CaltransConfig{
				CHPIncidents: CaltransFeedConfig{
					RefreshInterval: 5 * time.Minute, // Incidents change quickly
					URL:             "https://quickmap.dot.ca.gov/data/chp-only.kml",
				},
				LaneClosures: CaltransFeedConfig{
					RefreshInterval: 10 * time.Minute,
					URL:             "https://quickmap.dot.ca.gov/data/lcs2way.kml",
				},
				OnRouteMeters: 50,
				NearbyMeters:  500,
			},
			Overpass: OverpassConfig{
				Endpoint:     "https://overpass-api.de/api/interpreter",
				RadiusMeters: 50,
				Timeout:      5 * time.Second,
			},
			Reports: ReportsConfig{
				RadiusMeters: 200,
				Lookback:     30 * 24 * time.Hour,
			},
		},
	}
}

// Load reads configuration from the YAML file at path, if any, then applies
// SAFEWALK_ environment overrides on top of the defaults and validates the
// result. Weight maps merge with the defaults key by key.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps SAFEWALK_ENGINE__FETCH_TIMEOUT to engine.fetch_timeout
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	e := c.Engine
	if len(e.BaseWeights) == 0 {
		errs = append(errs, errors.New("engine.base_weights must not be empty"))
	}
	total := 0.0
	for name, w := range e.BaseWeights {
		if !route.FactorName(name).IsKnown() {
			errs = append(errs, fmt.Errorf("engine.base_weights: unknown factor %q", name))
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Errorf("engine.base_weights.%s must be a non-negative number", name))
			continue
		}
		total += w
	}
	if len(e.BaseWeights) > 0 && total <= 0 {
		errs = append(errs, errors.New("engine.base_weights must have a positive total"))
	}
	if e.TimeDecayHours <= 0 {
		errs = append(errs, errors.New("engine.time_decay_hours must be positive"))
	}
	if e.AnomalyThreshold <= 0 {
		errs = append(errs, errors.New("engine.anomaly_threshold must be positive"))
	}
	if e.MaxRouteSegments < 1 {
		errs = append(errs, errors.New("engine.max_route_segments must be at least 1"))
	}
	if e.FetchConcurrency < 1 {
		errs = append(errs, errors.New("engine.fetch_concurrency must be at least 1"))
	}
	if e.FetchTimeout < 0 || e.SupplierTimeout < 0 || e.ProviderTimeout < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}

	switch c.Routing.Supplier {
	case SupplierStraightLine:
	case SupplierGoogle:
		if c.Routing.GoogleRoutes.APIKey == "" {
			errs = append(errs, errors.New("routing.google_routes.api_key is required for the google supplier"))
		}
	default:
		errs = append(errs, fmt.Errorf("routing.supplier %q is not one of %s, %s", c.Routing.Supplier, SupplierStraightLine, SupplierGoogle))
	}
	if c.Routing.SpacingMeters < 0 {
		errs = append(errs, errors.New("routing.spacing_meters must not be negative"))
	}

	p := c.Providers
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("providers.time_zone: %w", err))
	}
	if p.Weather.Enabled && p.Weather.OpenWeatherAPIKey == "" {
		errs = append(errs, errors.New("providers.weather.openweather_api_key is required when weather is enabled"))
	}
	if p.Caltrans.Enabled && p.Caltrans.CHPIncidents.URL == "" && p.Caltrans.LaneClosures.URL == "" {
		errs = append(errs, errors.New("providers.caltrans needs at least one feed url when enabled"))
	}
	if p.Overpass.Enabled && p.Overpass.Endpoint == "" {
		errs = append(errs, errors.New("providers.overpass.endpoint is required when overpass is enabled"))
	}
	if p.Reports.Enabled && p.Reports.DatabaseURL == "" {
		errs = append(errs, errors.New("providers.reports.database_url is required when reports are enabled"))
	}

	return errors.Join(errs...)
}

// Weights returns the configured factor weights keyed by factor name
func (e EngineConfig) Weights() map[route.FactorName]float64 {
	weights := make(map[route.FactorName]float64, len(e.BaseWeights))
	for name, w := range e.BaseWeights {
		weights[route.FactorName(name)] = w
	}
	return weights
}

// Location returns the time zone used for time-of-day scoring
func (p ProvidersConfig) Location() *time.Location {
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}
