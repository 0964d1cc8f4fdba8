package osm

import (
	"context"
	"math"
	"time"

	"github.com/safewalk/server/internal/lib/route"
)

// FeatureSource returns the OpenStreetMap features around a segment
type FeatureSource interface {
	Features(ctx context.Context, segment route.Segment) (*Features, error)
}

// lampSpacingMeters is the spacing at which a street is considered fully lit
const lampSpacingMeters = 30.0

// LightingProvider scores the lighting factor from street lamps and lit tags
type LightingProvider struct {
	source FeatureSource
	now    func() time.Time
}

// NewLightingProvider creates a lighting provider
func NewLightingProvider(source FeatureSource) *LightingProvider {
	return &LightingProvider{source: source, now: time.Now}
}

// Factor implements route.Provider
func (p *LightingProvider) Factor() route.FactorName {
	return route.FactorLighting
}

// Fetch implements route.Provider
func (p *LightingProvider) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	features, err := p.source.Features(ctx, segment)
	if err != nil {
		return route.RiskFactor{}, err
	}
	return route.RiskFactor{
		Name:       route.FactorLighting,
		Score:      LightingScore(features, segment.LengthMeters),
		ObservedAt: p.now(),
		Sources:    []string{Source},
	}, nil
}

// LightingScore combines the share of lit ways with street lamp density.
// Segments with no lighting evidence at all score 0.3.
func LightingScore(f *Features, lengthMeters float64) float64 {
	expected := math.Max(1, lengthMeters/lampSpacingMeters)
	lampScore := math.Min(1, float64(f.StreetLamps)/expected)

	tagged := f.LitWays + f.UnlitWays
	switch {
	case tagged > 0:
		litRatio := float64(f.LitWays) / float64(tagged)
		return 0.6*litRatio + 0.4*lampScore
	case f.StreetLamps > 0:
		return lampScore
	default:
		return 0.3
	}
}

// activitySaturation is the activity count at which a street is considered busy
const activitySaturation = 25.0

// PopulationProvider scores the population factor from amenities, shops and
// buildings along the segment
type PopulationProvider struct {
	source FeatureSource
	now    func() time.Time
}

// NewPopulationProvider creates a population provider
func NewPopulationProvider(source FeatureSource) *PopulationProvider {
	return &PopulationProvider{source: source, now: time.Now}
}

// Factor implements route.Provider
func (p *PopulationProvider) Factor() route.FactorName {
	return route.FactorPopulation
}

// Fetch implements route.Provider
func (p *PopulationProvider) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	features, err := p.source.Features(ctx, segment)
	if err != nil {
		return route.RiskFactor{}, err
	}
	return route.RiskFactor{
		Name:       route.FactorPopulation,
		Score:      PopulationScore(features),
		ObservedAt: p.now(),
		Sources:    []string{Source},
	}, nil
}

// PopulationScore maps nearby activity to [0.2, 1]; deserted streets score lowest
func PopulationScore(f *Features) float64 {
	activity := float64(f.Amenities+f.Shops) + float64(f.Buildings)/4
	return 0.2 + 0.8*math.Min(1, activity/activitySaturation)
}
