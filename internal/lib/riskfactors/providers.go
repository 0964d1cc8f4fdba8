package riskfactors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/safewalk/server/internal/lib/route"
)

// TimeOfDayProvider scores a segment by the local hour of the query time.
// Late night is least safe, dawn and evening are intermediate.
type TimeOfDayProvider struct {
	location *time.Location
}

// NewTimeOfDayProvider creates a provider that reads hours in loc. A nil loc
// uses the query time's own location.
func NewTimeOfDayProvider(loc *time.Location) *TimeOfDayProvider {
	return &TimeOfDayProvider{location: loc}
}

// Factor implements route.Provider
func (p *TimeOfDayProvider) Factor() route.FactorName {
	return route.FactorTimeOfDay
}

// Fetch implements route.Provider
func (p *TimeOfDayProvider) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	local := at
	if p.location != nil {
		local = at.In(p.location)
	}
	return route.RiskFactor{
		Name:       route.FactorTimeOfDay,
		Score:      TimeOfDayScore(local.Hour()),
		ObservedAt: at,
		Sources:    []string{"system_clock"},
	}, nil
}

// TimeOfDayScore maps an hour of the day to a safety score
func TimeOfDayScore(hour int) float64 {
	switch {
	case hour >= 22 || hour < 5:
		return 0.3
	case hour < 7 || hour >= 20:
		return 0.6
	default:
		return 0.9
	}
}

// StaticProvider returns fixed observations. It backs offline scoring and
// tests; per-segment overrides take precedence over the default score.
type StaticProvider struct {
	factor    route.FactorName
	score     float64
	age       time.Duration
	source    string
	mu        sync.RWMutex
	overrides map[string]float64
	failures  map[string]error
	calls     int
}

// NewStaticProvider creates a provider that reports score for every segment,
// observed age before the query time.
func NewStaticProvider(factor route.FactorName, score float64, age time.Duration) *StaticProvider {
	return &StaticProvider{
		factor:    factor,
		score:     score,
		age:       age,
		source:    "static",
		overrides: map[string]float64{},
		failures:  map[string]error{},
	}
}

// WithSegmentScore overrides the score for one segment id
func (p *StaticProvider) WithSegmentScore(segmentID string, score float64) *StaticProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[segmentID] = score
	return p
}

// WithSegmentError makes the provider fail for one segment id
func (p *StaticProvider) WithSegmentError(segmentID string, err error) *StaticProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[segmentID] = err
	return p
}

// Calls returns how many times Fetch has been invoked
func (p *StaticProvider) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

// Factor implements route.Provider
func (p *StaticProvider) Factor() route.FactorName {
	return p.factor
}

// Fetch implements route.Provider
func (p *StaticProvider) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	p.mu.Lock()
	p.calls++
	score := p.score
	if override, ok := p.overrides[segment.ID]; ok {
		score = override
	}
	failure := p.failures[segment.ID]
	p.mu.Unlock()

	if failure != nil {
		return route.RiskFactor{}, fmt.Errorf("static %s: %w", p.factor, failure)
	}
	return route.RiskFactor{
		Name:       p.factor,
		Score:      score,
		ObservedAt: at.Add(-p.age),
		Sources:    []string{p.source},
	}, nil
}

// NeutralProviders returns a static provider at 0.5 for every known factor
func NeutralProviders() []route.Provider {
	providers := make([]route.Provider, 0, len(route.KnownFactors))
	for _, name := range route.KnownFactors {
		providers = append(providers, NewStaticProvider(name, 0.5, 0))
	}
	return providers
}
