package riskfactors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/safewalk/server/internal/lib/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeOfDayScore(t *testing.T) {
	tests := map[int]float64{
		0: 0.3, 3: 0.3, 4: 0.3, 22: 0.3, 23: 0.3,
		5: 0.6, 6: 0.6, 20: 0.6, 21: 0.6,
		7: 0.9, 12: 0.9, 19: 0.9,
	}
	for hour, expected := range tests {
		assert.Equal(t, expected, TimeOfDayScore(hour), "hour %d", hour)
	}
}

func TestTimeOfDayProvider_Fetch(t *testing.T) {
	loc := time.FixedZone("PST", -8*60*60)
	provider := NewTimeOfDayProvider(loc)
	assert.Equal(t, route.FactorTimeOfDay, provider.Factor())

	// 06:30 UTC is 22:30 local
	at := time.Date(2026, 3, 14, 6, 30, 0, 0, time.UTC)
	factor, err := provider.Fetch(context.Background(), route.Segment{ID: "seg_0"}, at)
	require.NoError(t, err)
	assert.Equal(t, 0.3, factor.Score)
	assert.True(t, factor.ObservedAt.Equal(at))
	assert.Equal(t, []string{"system_clock"}, factor.Sources)
	assert.NoError(t, factor.Validate())
}

func TestStaticProvider(t *testing.T) {
	provider := NewStaticProvider(route.FactorLighting, 0.7, 2*time.Hour).
		WithSegmentScore("seg_3", 0.1).
		WithSegmentError("seg_4", errors.New("offline"))

	factor, err := provider.Fetch(context.Background(), route.Segment{ID: "seg_0"}, queryTime)
	require.NoError(t, err)
	assert.Equal(t, 0.7, factor.Score)
	assert.True(t, factor.ObservedAt.Equal(queryTime.Add(-2*time.Hour)))

	factor, err = provider.Fetch(context.Background(), route.Segment{ID: "seg_3"}, queryTime)
	require.NoError(t, err)
	assert.Equal(t, 0.1, factor.Score)

	_, err = provider.Fetch(context.Background(), route.Segment{ID: "seg_4"}, queryTime)
	assert.Error(t, err)
	assert.Equal(t, 3, provider.Calls())
}
