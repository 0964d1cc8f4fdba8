package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/safewalk/server"

// Pipeline stage names used as span names and histogram labels
const (
	StageSupplier  = "supplier"
	StageSegment   = "segment"
	StageFetch     = "fetch"
	StageScore     = "score"
	StageOptimize  = "optimize"
	StageAggregate = "aggregate"
)

// Instruments holds the meters and tracer used across the assessment pipeline.
// They report through whatever global providers the process installed; with
// none installed every call is a no-op.
type Instruments struct {
	routes           metric.Int64Counter
	anomalies        metric.Int64Counter
	cacheLookups     metric.Int64Counter
	providerFailures metric.Int64Counter
	stageDuration    metric.Float64Histogram
	tracer           trace.Tracer
}

// New creates instruments from the global meter and tracer providers
func New() *Instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	routes, err := meter.Int64Counter("safewalk_routes_total",
		metric.WithDescription("Route assessments by outcome"))
	if err != nil {
		routes, _ = fallback.Int64Counter("safewalk_routes_total")
	}
	anomalies, err := meter.Int64Counter("safewalk_anomalies_total",
		metric.WithDescription("Segment scores dampened as outliers"))
	if err != nil {
		anomalies, _ = fallback.Int64Counter("safewalk_anomalies_total")
	}
	cacheLookups, err := meter.Int64Counter("safewalk_risk_cache_lookups_total",
		metric.WithDescription("Risk factor cache lookups by result"))
	if err != nil {
		cacheLookups, _ = fallback.Int64Counter("safewalk_risk_cache_lookups_total")
	}
	providerFailures, err := meter.Int64Counter("safewalk_provider_failures_total",
		metric.WithDescription("Risk factor provider calls that produced no usable observation"))
	if err != nil {
		providerFailures, _ = fallback.Int64Counter("safewalk_provider_failures_total")
	}
	stageDuration, err := meter.Float64Histogram("safewalk_stage_duration_seconds",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		stageDuration, _ = fallback.Float64Histogram("safewalk_stage_duration_seconds")
	}

	return &Instruments{
		routes:           routes,
		anomalies:        anomalies,
		cacheLookups:     cacheLookups,
		providerFailures: providerFailures,
		stageDuration:    stageDuration,
		tracer:           otel.Tracer(instrumentationName),
	}
}

// RecordRoute counts a finished assessment
func (i *Instruments) RecordRoute(ctx context.Context, status, code string) {
	i.routes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("code", code),
	))
}

// RecordAnomalies counts dampened segments
func (i *Instruments) RecordAnomalies(ctx context.Context, n int) {
	if n > 0 {
		i.anomalies.Add(ctx, int64(n))
	}
}

// RecordCacheLookup counts a risk factor cache hit or miss
func (i *Instruments) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	i.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordProviderFailure counts a provider call absorbed as a missing factor
func (i *Instruments) RecordProviderFailure(ctx context.Context, factor string) {
	i.providerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("factor", factor)))
}

// StartStage opens a span for a pipeline stage. The returned function ends
// the span and records the stage duration; pass the stage error, if any.
func (i *Instruments) StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "assessment."+stage, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
		i.stageDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", stage)))
	}
}
