package riskfactors

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/telemetry"
)

// Store caches observations between requests
type Store interface {
	GetRiskFactor(segment route.Segment, name route.FactorName, at time.Time) (route.RiskFactor, bool)
	SetRiskFactor(segment route.Segment, factor route.RiskFactor, at time.Time) error
}

// FetcherConfig bounds the fan-out performed by a Fetcher
type FetcherConfig struct {
	// Concurrency is the maximum number of provider calls in flight
	Concurrency int
	// ProviderTimeout bounds a single provider call. Zero disables it.
	ProviderTimeout time.Duration
	// StageTimeout bounds the whole fetch. Zero disables it.
	StageTimeout time.Duration
}

// DefaultFetcherConfig returns the limits used when none are configured
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Concurrency:     8,
		ProviderTimeout: 2 * time.Second,
		StageTimeout:    10 * time.Second,
	}
}

// Fetcher gathers risk factors for every segment from every provider
type Fetcher struct {
	providers   []route.Provider
	store       Store
	cfg         FetcherConfig
	instruments *telemetry.Instruments
}

// NewFetcher creates a fetcher. Each factor may be served by one provider.
// store and instruments may be nil.
func NewFetcher(providers []route.Provider, store Store, cfg FetcherConfig, instruments *telemetry.Instruments) (*Fetcher, error) {
	seen := make(map[route.FactorName]bool, len(providers))
	for _, p := range providers {
		name := p.Factor()
		if !name.IsKnown() {
			return nil, fmt.Errorf("provider for unknown factor %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("more than one provider registered for %s", name)
		}
		seen[name] = true
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultFetcherConfig().Concurrency
	}
	if instruments == nil {
		instruments = telemetry.New()
	}

	return &Fetcher{
		providers:   providers,
		store:       store,
		cfg:         cfg,
		instruments: instruments,
	}, nil
}

// Factors lists the factor names this fetcher can supply
func (f *Fetcher) Factors() []route.FactorName {
	names := make([]route.FactorName, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Factor()
	}
	return names
}

// Fetch returns the observations for each segment keyed by segment id. A
// provider that fails, panics, times out or returns an invalid observation
// leaves that factor absent for that segment. Only the stage deadline or
// cancellation of ctx fails the whole fetch, with route.ErrProvider.
func (f *Fetcher) Fetch(ctx context.Context, segments []route.Segment, at time.Time) (route.FactorSet, error) {
	ctx = logging.EnsureLogger(ctx)
	stageCtx := ctx
	if f.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, f.cfg.StageTimeout)
		defer cancel()
	}

	result := make(route.FactorSet, len(segments))
	for _, s := range segments {
		result[s.ID] = route.Factors{}
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(f.cfg.Concurrency)

launch:
	for _, segment := range segments {
		for _, provider := range f.providers {
			if gctx.Err() != nil {
				break launch
			}
			segment, provider := segment, provider
			g.Go(func() error {
				factor, ok := f.fetchOne(gctx, segment, provider, at)
				if ok {
					mu.Lock()
					result[segment.ID][factor.Name] = factor
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := stageCtx.Err(); err != nil {
		return nil, fmt.Errorf("%w: risk factor fetch aborted: %v", route.ErrProvider, err)
	}
	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, segment route.Segment, provider route.Provider, at time.Time) (route.RiskFactor, bool) {
	name := provider.Factor()

	if f.store != nil {
		if cached, ok := f.store.GetRiskFactor(segment, name, at); ok {
			f.instruments.RecordCacheLookup(ctx, true)
			return cached, true
		}
		f.instruments.RecordCacheLookup(ctx, false)
	}

	factor, err := f.callProvider(ctx, segment, provider, at)
	if err == nil {
		err = validate(factor, name)
	}
	if err != nil {
		f.instruments.RecordProviderFailure(ctx, string(name))
		if ctx.Err() == nil {
			logging.Warnw(ctx, "Risk factor unavailable for segment",
				"segment_id", segment.ID, "factor", string(name), "error", err)
		}
		return route.RiskFactor{}, false
	}

	if f.store != nil {
		if err := f.store.SetRiskFactor(segment, factor, at); err != nil {
			logging.Warnw(ctx, "Failed to cache risk factor",
				"segment_id", segment.ID, "factor", string(name), "error", err)
		}
	}
	return factor, true
}

// callProvider isolates a single provider call behind its own deadline and
// converts panics into errors.
func (f *Fetcher) callProvider(ctx context.Context, segment route.Segment, provider route.Provider, at time.Time) (factor route.RiskFactor, err error) {
	if f.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.ProviderTimeout)
		defer cancel()
	}

	ctx, end := f.instruments.StartStage(ctx, "provider."+string(provider.Factor()),
		attribute.String("segment_id", segment.ID))
	defer func() {
		if r := recover(); r != nil {
			stack, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Risk factor provider: recovered from panic",
				"factor", string(provider.Factor()), "error", r,
				"error.stack_trace", stack.MinimalStack(skipFrames, numFrames))
			err = fmt.Errorf("provider %s panicked: %v", provider.Factor(), r)
		}
		end(err)
	}()

	factor, err = provider.Fetch(ctx, segment, at)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return factor, err
}

func validate(factor route.RiskFactor, expected route.FactorName) error {
	if factor.Name != expected {
		return fmt.Errorf("provider for %s returned factor %q", expected, factor.Name)
	}
	return factor.Validate()
}
