package osm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safewalk/server/internal/lib/route"
)

type fakeSource struct {
	features *Features
	err      error
}

func (f fakeSource) Features(ctx context.Context, segment route.Segment) (*Features, error) {
	return f.features, f.err
}

func TestLightingScore(t *testing.T) {
	tests := []struct {
		name     string
		features Features
		length   float64
		expected float64
	}{
		{"no evidence", Features{}, 100, 0.3},
		{"lamps only, dense", Features{StreetLamps: 4}, 90, 1.0},
		{"lamps only, sparse", Features{StreetLamps: 1}, 120, 0.25},
		{"all lit ways, no lamps", Features{LitWays: 2}, 60, 0.6},
		{"mixed", Features{LitWays: 1, UnlitWays: 1, StreetLamps: 1}, 30, 0.7},
		{"unlit", Features{UnlitWays: 3}, 200, 0.0},
		{"short segment", Features{StreetLamps: 1}, 5, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, LightingScore(&tt.features, tt.length), 1e-9)
		})
	}
}

func TestPopulationScore(t *testing.T) {
	assert.InDelta(t, 0.2, PopulationScore(&Features{}), 1e-9)
	assert.InDelta(t, 0.2+0.8*10.0/25, PopulationScore(&Features{Amenities: 4, Shops: 4, Buildings: 8}), 1e-9)
	assert.InDelta(t, 1.0, PopulationScore(&Features{Shops: 100}), 1e-9)
}

func TestProviders_Fetch(t *testing.T) {
	now := time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC)
	source := fakeSource{features: &Features{StreetLamps: 3, Amenities: 5}}

	lighting := NewLightingProvider(source)
	lighting.now = func() time.Time { return now }
	assert.Equal(t, route.FactorLighting, lighting.Factor())

	factor, err := lighting.Fetch(context.Background(), market, now)
	require.NoError(t, err)
	assert.Equal(t, route.FactorLighting, factor.Name)
	assert.Equal(t, now, factor.ObservedAt)
	assert.Equal(t, []string{Source}, factor.Sources)
	assert.InDelta(t, 1.0, factor.Score, 1e-9)

	population := NewPopulationProvider(source)
	assert.Equal(t, route.FactorPopulation, population.Factor())
	factor, err = population.Fetch(context.Background(), market, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.36, factor.Score, 1e-9)
}

func TestProviders_PropagateErrors(t *testing.T) {
	source := fakeSource{err: errors.New("overpass unavailable")}

	_, err := NewLightingProvider(source).Fetch(context.Background(), market, time.Now())
	assert.Error(t, err)
	_, err = NewPopulationProvider(source).Fetch(context.Background(), market, time.Now())
	assert.Error(t, err)
}
