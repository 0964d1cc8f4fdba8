package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/safewalk/server/internal/cache"
	"github.com/safewalk/server/internal/clients/caltrans"
	"github.com/safewalk/server/internal/clients/google"
	"github.com/safewalk/server/internal/clients/osm"
	"github.com/safewalk/server/internal/clients/weather"
	"github.com/safewalk/server/internal/config"
	"github.com/safewalk/server/internal/lib/assessment"
	"github.com/safewalk/server/internal/lib/riskfactors"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/lib/routing"
	"github.com/safewalk/server/internal/lib/scoring"
	"github.com/safewalk/server/internal/storage/reports"
	"github.com/safewalk/server/internal/telemetry"
)

// RouteSafetyService owns the assessment engine and the data sources behind
// it, built from configuration
type RouteSafetyService struct {
	config      *config.Config
	engine      *assessment.Engine
	cache       *cache.Cache
	store       *cache.RiskFactorStore
	reports     *reports.Store
	maintenance *PeriodicRefreshService
	factors     []route.FactorName
}

// Option customises service construction
type Option func(*serviceOptions)

type serviceOptions struct {
	supplier    route.Supplier
	providers   []route.Provider
	instruments *telemetry.Instruments
	clock       func() time.Time
}

// WithSupplier replaces the configured route supplier
func WithSupplier(s route.Supplier) Option {
	return func(o *serviceOptions) { o.supplier = s }
}

// WithProviders replaces the configured risk factor providers
func WithProviders(providers ...route.Provider) Option {
	return func(o *serviceOptions) { o.providers = providers }
}

// WithInstruments sets the telemetry instruments
func WithInstruments(i *telemetry.Instruments) Option {
	return func(o *serviceOptions) { o.instruments = i }
}

// WithClock overrides the engine clock
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.clock = now }
}

// NewRouteSafetyService builds the engine and its providers from cfg.
// Disabled providers leave their factor absent, which scores as neutral.
func NewRouteSafetyService(ctx context.Context, cfg *config.Config, opts ...Option) (*RouteSafetyService, error) {
	ctx = logging.EnsureLogger(ctx)
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.instruments == nil {
		o.instruments = telemetry.New()
	}

	s := &RouteSafetyService{
		config: cfg,
		cache:  cache.NewCache(),
	}
	ttl := time.Duration(cfg.Engine.TimeDecayHours * float64(time.Hour))
	s.store = cache.NewRiskFactorStore(s.cache, ttl)
	s.maintenance = NewPeriodicRefreshService(s.cache, cfg.Engine.CacheCleanupInterval)

	providers := o.providers
	if providers == nil {
		var err error
		if providers, err = s.buildProviders(ctx); err != nil {
			s.closeReports()
			return nil, err
		}
	}

	fetcher, err := riskfactors.NewFetcher(providers, s.store, riskfactors.FetcherConfig{
		Concurrency:     cfg.Engine.FetchConcurrency,
		ProviderTimeout: cfg.Engine.ProviderTimeout,
		StageTimeout:    cfg.Engine.FetchTimeout,
	}, o.instruments)
	if err != nil {
		s.closeReports()
		return nil, err
	}
	s.factors = fetcher.Factors()

	supplier := o.supplier
	if supplier == nil {
		supplier = buildSupplier(cfg.Routing, cfg.Engine.MaxRouteSegments)
	}

	engineOpts := []assessment.Option{assessment.WithInstruments(o.instruments)}
	if o.clock != nil {
		engineOpts = append(engineOpts, assessment.WithClock(o.clock))
	}
	s.engine, err = assessment.NewEngine(supplier, fetcher, assessment.Config{
		Scoring: scoring.ScorerConfig{
			Weights:          cfg.Engine.Weights(),
			DecayHours:       cfg.Engine.TimeDecayHours,
			AnomalyThreshold: cfg.Engine.AnomalyThreshold,
		},
		MaxSegments:     cfg.Engine.MaxRouteSegments,
		SupplierTimeout: cfg.Engine.SupplierTimeout,
	}, engineOpts...)
	if err != nil {
		s.closeReports()
		return nil, err
	}

	logging.Infow(ctx, "Route safety service ready",
		"supplier", cfg.Routing.Supplier, "factors", fmt.Sprint(s.factors))
	return s, nil
}

func (s *RouteSafetyService) buildProviders(ctx context.Context) ([]route.Provider, error) {
	p := s.config.Providers
	providers := []route.Provider{riskfactors.NewTimeOfDayProvider(p.Location())}

	if p.Weather.Enabled {
		providers = append(providers, weather.NewClient(p.Weather.OpenWeatherAPIKey, p.Weather.BaseURL, s.cache))
	}

	if p.Caltrans.Enabled {
		var feeds []caltrans.Feed
		if p.Caltrans.LaneClosures.URL != "" {
			feeds = append(feeds, caltrans.Feed{URL: p.Caltrans.LaneClosures.URL, Type: caltrans.LaneClosure, RefreshInterval: p.Caltrans.LaneClosures.RefreshInterval})
		}
		if p.Caltrans.CHPIncidents.URL != "" {
			feeds = append(feeds, caltrans.Feed{URL: p.Caltrans.CHPIncidents.URL, Type: caltrans.CHPIncident, RefreshInterval: p.Caltrans.CHPIncidents.RefreshInterval})
		}
		matcher := routing.NewHazardMatcher(p.Caltrans.OnRouteMeters, p.Caltrans.NearbyMeters)
		traffic := caltrans.NewProvider(caltrans.NewFeedParser(), matcher, feeds...)
		providers = append(providers, traffic)
		s.maintenance.AddRefresher("caltrans", refresherFunc(func(ctx context.Context) error {
			if err := traffic.Refresh(ctx); err != nil {
				return err
			}
			s.store.InvalidateFactor(route.FactorTraffic)
			return nil
		}), shortestInterval(feeds))
	}

	if p.Overpass.Enabled {
		client := osm.NewClient(p.Overpass.Endpoint, p.Overpass.RadiusMeters, p.Overpass.Timeout, s.cache)
		providers = append(providers, osm.NewLightingProvider(client), osm.NewPopulationProvider(client))
	}

	if p.Reports.Enabled {
		store, err := reports.Open(ctx, p.Reports.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.reports = store
		providers = append(providers, reports.NewCrimeProvider(store, p.Reports.RadiusMeters, p.Reports.Lookback))
	}

	return providers, nil
}

// refresherFunc adapts a function to Refresher
type refresherFunc func(ctx context.Context) error

func (f refresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

func buildSupplier(cfg config.RoutingConfig, maxSegments int) route.Supplier {
	if cfg.Supplier == config.SupplierGoogle {
		return google.NewClient(cfg.GoogleRoutes.APIKey,
			google.WithTravelMode(cfg.GoogleRoutes.TravelMode),
			google.WithAlternatives(cfg.GoogleRoutes.Alternatives))
	}
	return route.NewStraightLineSupplier(cfg.SpacingMeters).WithMaxSegments(maxSegments)
}

func shortestInterval(feeds []caltrans.Feed) time.Duration {
	var shortest time.Duration
	for _, f := range feeds {
		if f.RefreshInterval > 0 && (shortest == 0 || f.RefreshInterval < shortest) {
			shortest = f.RefreshInterval
		}
	}
	return shortest
}

// CalculateSafestRoute assesses one request
func (s *RouteSafetyService) CalculateSafestRoute(ctx context.Context, req assessment.Request) *assessment.Result {
	return s.engine.CalculateSafestRoute(ctx, req)
}

// Factors returns the factors with a configured provider
func (s *RouteSafetyService) Factors() []route.FactorName {
	return s.factors
}

// InvalidateRiskFactors drops cached observations written before t
func (s *RouteSafetyService) InvalidateRiskFactors(t time.Time) int {
	return s.store.InvalidateBefore(t)
}

// Start begins background maintenance
func (s *RouteSafetyService) Start(ctx context.Context) error {
	return s.maintenance.Start(ctx)
}

// Close stops background maintenance and releases database connections
func (s *RouteSafetyService) Close(ctx context.Context) error {
	return errors.Join(s.maintenance.Stop(ctx), s.closeReports())
}

func (s *RouteSafetyService) closeReports() error {
	if s.reports == nil {
		return nil
	}
	err := s.reports.Close()
	s.reports = nil
	return err
}

// Health describes service readiness
type Health struct {
	Status      string            `json:"status"`
	Factors     []string          `json:"factors"`
	Maintenance bool              `json:"maintenance_running"`
	Cache       cache.CacheStats  `json:"cache"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Health reports readiness. The service is degraded when a dependency check fails.
func (s *RouteSafetyService) Health(ctx context.Context) Health {
	h := Health{
		Status:      "ok",
		Maintenance: s.maintenance.IsRunning(),
		Cache:       s.cache.Stats(),
		Checks:      map[string]string{},
	}
	for _, f := range s.factors {
		h.Factors = append(h.Factors, string(f))
	}

	if s.reports != nil {
		if err := s.reports.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.Checks["reports_database"] = err.Error()
		} else {
			h.Checks["reports_database"] = "ok"
		}
	}
	return h
}
