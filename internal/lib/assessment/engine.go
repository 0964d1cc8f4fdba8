package assessment

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/lib/scoring"
	"github.com/safewalk/server/internal/telemetry"
)

// FactorFetcher gathers risk factors for a route's segments
type FactorFetcher interface {
	Fetch(ctx context.Context, segments []route.Segment, at time.Time) (route.FactorSet, error)
}

// Config holds the engine parameters fixed at construction
type Config struct {
	Scoring         scoring.ScorerConfig
	MaxSegments     int
	SupplierTimeout time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		Scoring: scoring.ScorerConfig{
			Weights:          scoring.DefaultWeights(),
			DecayHours:       24,
			AnomalyThreshold: 2.0,
		},
		MaxSegments:     route.DefaultMaxSegments,
		SupplierTimeout: 10 * time.Second,
	}
}

// Option customises an Engine
type Option func(*Engine)

// WithClock overrides the processing time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithInstruments sets the telemetry instruments
func WithInstruments(instruments *telemetry.Instruments) Option {
	return func(e *Engine) {
		e.instruments = instruments
	}
}

// Engine runs the route assessment pipeline. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	supplier        route.Supplier
	fetcher         FactorFetcher
	segmenter       *route.Segmenter
	scorer          *scoring.Scorer
	optimizer       *scoring.Optimizer
	supplierTimeout time.Duration
	instruments     *telemetry.Instruments
	now             func() time.Time
	geoUtils        geo.GeoUtils
}

// NewEngine validates cfg and wires the pipeline stages together
func NewEngine(supplier route.Supplier, fetcher FactorFetcher, cfg Config, opts ...Option) (*Engine, error) {
	if supplier == nil {
		return nil, errors.New("route supplier is required")
	}
	if fetcher == nil {
		return nil, errors.New("risk factor fetcher is required")
	}

	scorer, err := scoring.NewScorer(cfg.Scoring)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		supplier:        supplier,
		fetcher:         fetcher,
		segmenter:       route.NewSegmenter(cfg.MaxSegments),
		scorer:          scorer,
		optimizer:       scoring.NewOptimizer(),
		supplierTimeout: cfg.SupplierTimeout,
		now:             time.Now,
		geoUtils:        geo.NewGeoUtils(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.instruments == nil {
		e.instruments = telemetry.New()
	}
	return e, nil
}

// candidate is one base route carried through scoring
type candidate struct {
	base      *route.BaseRoute
	segments  []route.Segment
	metrics   route.RouteMetrics
	anomalies int
	score     float64
}

// CalculateSafestRoute runs the full pipeline for one request. Failures are
// reported in the returned Result, never as a panic or error.
func (e *Engine) CalculateSafestRoute(ctx context.Context, req Request) (result *Result) {
	ctx = logging.EnsureLogger(ctx)
	processedAt := e.now().UTC()
	departure := processedAt
	if req.DepartureTime != nil {
		departure = req.DepartureTime.UTC()
	}

	result = &Result{
		RequestID:         uuid.NewString(),
		PreferenceApplied: req.Preference,
		DepartureTime:     departure,
		ProcessedAt:       processedAt,
	}

	defer func() {
		if r := recover(); r != nil {
			stack, _ := prefaberrors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Route assessment: recovered from panic",
				"request_id", result.RequestID, "error", r, "error.stack_trace", stack.MinimalStack(skipFrames, numFrames))
			e.fail(ctx, result, fmt.Errorf("unexpected failure: %v", r))
		}
	}()

	best, evaluated, err := e.assess(ctx, req, departure)
	if err != nil {
		e.fail(ctx, result, err)
		return result
	}

	result.Status = StatusSuccess
	result.Route = best.segments
	result.Metrics = &best.metrics
	result.Geometry = e.geoUtils.EncodePolyline(best.base.Coordinates)
	result.CandidatesEvaluated = evaluated

	e.instruments.RecordRoute(ctx, string(StatusSuccess), "")
	logging.Infow(ctx, "Route assessed",
		"request_id", result.RequestID,
		"segments", best.metrics.SegmentCount,
		"distance_meters", best.metrics.TotalDistanceMeters,
		"average_safety_score", best.metrics.AverageSafetyScore,
		"hazardous_segments", best.metrics.HazardousSegments,
		"anomalies", best.anomalies,
		"candidates", evaluated)
	return result
}

func (e *Engine) fail(ctx context.Context, result *Result, err error) {
	code := route.CodeOf(err)
	result.Status = StatusError
	result.Code = code
	result.Message = err.Error()
	result.Route = nil
	result.Metrics = nil
	result.Geometry = ""

	e.instruments.RecordRoute(ctx, string(StatusError), string(code))
	if code == route.CodeRouteCalculationError || code == route.CodeProvider {
		logging.Errorw(ctx, "Route assessment failed", "request_id", result.RequestID, "code", string(code), "error", err)
	} else {
		logging.Warnw(ctx, "Route assessment rejected", "request_id", result.RequestID, "code", string(code), "error", err)
	}
}

// assess validates the request, obtains candidates and returns the best one
// with the number of candidates evaluated.
func (e *Engine) assess(ctx context.Context, req Request, departure time.Time) (*candidate, int, error) {
	if !geo.IsValidCoordinate(req.Start) || !geo.IsValidCoordinate(req.End) {
		return nil, 0, fmt.Errorf("%w: start or end coordinate out of range", route.ErrInvalidRoute)
	}
	if err := scoring.ValidatePreference(req.Preference); err != nil {
		return nil, 0, err
	}

	bases, err := e.supply(ctx, route.RouteRequest{
		Start:         req.Start,
		End:           req.End,
		DepartureTime: departure,
		AvoidAreas:    req.AvoidAreas,
	})
	if err != nil {
		return nil, 0, err
	}

	var best *candidate
	for i, base := range bases {
		c, err := e.evaluate(ctx, base, req, departure)
		if err != nil {
			if len(bases) > 1 {
				return nil, 0, fmt.Errorf("candidate %d: %w", i, err)
			}
			return nil, 0, err
		}
		if best == nil || c.score > best.score {
			best = c
		}
	}
	return best, len(bases), nil
}

// supply asks the supplier for one or more base routes
func (e *Engine) supply(ctx context.Context, req route.RouteRequest) (bases []*route.BaseRoute, err error) {
	ctx, end := e.instruments.StartStage(ctx, telemetry.StageSupplier)
	defer func() { end(err) }()

	if e.supplierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.supplierTimeout)
		defer cancel()
	}

	if cs, ok := e.supplier.(route.CandidateSupplier); ok {
		bases, err = cs.GetCandidateRoutes(ctx, req)
	} else {
		var base *route.BaseRoute
		base, err = e.supplier.GetBaseRoute(ctx, req)
		if base != nil {
			bases = []*route.BaseRoute{base}
		}
	}

	if err != nil {
		if errors.Is(err, route.ErrInvalidRoute) || errors.Is(err, route.ErrProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: route supplier: %v", route.ErrProvider, err)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("%w: route supplier returned no route", route.ErrInvalidRoute)
	}
	return bases, nil
}

// evaluate runs segmentation, fetching, scoring, optimisation and aggregation
// for a single base route.
func (e *Engine) evaluate(ctx context.Context, base *route.BaseRoute, req Request, at time.Time) (*candidate, error) {
	stageCtx, end := e.instruments.StartStage(ctx, telemetry.StageSegment)
	segments, err := e.segmenter.Segment(base)
	end(err)
	if err != nil {
		return nil, err
	}
	route.MarkAvoidAreas(segments, req.AvoidAreas)

	stageCtx, end = e.instruments.StartStage(ctx, telemetry.StageFetch, attribute.Int("segments", len(segments)))
	factors, err := e.fetcher.Fetch(stageCtx, segments, at)
	end(err)
	if err != nil {
		if !errors.Is(err, route.ErrProvider) {
			err = fmt.Errorf("%w: %v", route.ErrProvider, err)
		}
		return nil, err
	}

	stageCtx, end = e.instruments.StartStage(ctx, telemetry.StageScore)
	segments, anomalies := e.scorer.Score(segments, factors, at)
	e.instruments.RecordAnomalies(stageCtx, anomalies)
	end(nil)

	_, end = e.instruments.StartStage(ctx, telemetry.StageOptimize)
	segments = e.optimizer.Optimize(segments, req.Preference)
	score := e.optimizer.RouteScore(segments)
	end(nil)

	_, end = e.instruments.StartStage(ctx, telemetry.StageAggregate)
	metrics := scoring.Aggregate(segments)
	end(nil)

	return &candidate{
		base:      base,
		segments:  segments,
		metrics:   metrics,
		anomalies: anomalies,
		score:     score,
	}, nil
}
