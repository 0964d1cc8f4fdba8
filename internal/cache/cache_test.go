package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func TestCache_SetGetExpiry(t *testing.T) {
	clock := newClock()
	c := NewCache(WithClock(clock.Now))

	require.NoError(t, c.Set("k", map[string]int{"a": 1}, time.Minute, "test"))

	var got map[string]int
	found, err := c.Get("k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got["a"])
	assert.False(t, c.IsStale("k"))

	clock.Advance(2 * time.Minute)
	found, err = c.Get("k", &got)
	require.NoError(t, err)
	assert.False(t, found, "expired entries are not served")
	assert.True(t, c.IsStale("k"))

	entry, exists, err := c.GetWithMetadata("k", nil)
	require.NoError(t, err)
	assert.True(t, exists, "metadata is still available for stale entries")
	assert.Equal(t, "test", entry.Source)

	assert.Equal(t, 1, c.CleanupStale())
	assert.Empty(t, c.Keys())
}

func TestCache_Stats(t *testing.T) {
	clock := newClock()
	c := NewCache(WithClock(clock.Now), WithShards(4))

	require.NoError(t, c.Set("old", 1, time.Minute, "test"))
	clock.Advance(30 * time.Second)
	require.NoError(t, c.Set("new", 2, time.Hour, "test"))
	clock.Advance(45 * time.Second)

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.StaleEntries)
	assert.Equal(t, 1, stats.FreshEntries)
	assert.True(t, stats.OldestEntry.Before(stats.NewestEntry))

	c.Delete("new")
	assert.Len(t, c.Keys(), 1)
	c.Clear()
	assert.Zero(t, c.Stats().TotalEntries)
}

func TestCache_InvalidateBefore(t *testing.T) {
	clock := newClock()
	c := NewCache(WithClock(clock.Now))

	require.NoError(t, c.Set("a", 1, time.Hour, "test"))
	clock.Advance(time.Minute)
	cutoff := clock.Now()
	require.NoError(t, c.Set("b", 2, time.Hour, "test"))

	assert.Equal(t, 1, c.InvalidateBefore(cutoff))
	assert.True(t, c.IsStale("a"))
	assert.False(t, c.IsStale("b"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%50)
				_ = c.Set(key, w*i, time.Minute, "test")
				var v int
				_, _ = c.Get(key, &v)
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, c.Keys(), 50)
}

func TestRiskFactorStore(t *testing.T) {
	clock := newClock()
	store := NewRiskFactorStore(NewCache(WithClock(clock.Now)), 24*time.Hour)

	segment := route.Segment{
		ID:    "seg_0",
		Start: geo.Point{Latitude: 40.0, Longitude: -73.0},
		End:   geo.Point{Latitude: 40.001, Longitude: -73.0},
	}
	at := clock.Now()
	factor := route.RiskFactor{Name: route.FactorCrime, Score: 0.7, ObservedAt: at.Add(-time.Hour), Sources: []string{"reports"}}

	_, found := store.GetRiskFactor(segment, route.FactorCrime, at)
	assert.False(t, found)

	require.NoError(t, store.SetRiskFactor(segment, factor, at))

	got, found := store.GetRiskFactor(segment, route.FactorCrime, at.Add(20*time.Minute))
	require.True(t, found, "same hour shares the entry")
	assert.Equal(t, factor.Score, got.Score)
	assert.True(t, factor.ObservedAt.Equal(got.ObservedAt))
	assert.Equal(t, factor.Sources, got.Sources)

	_, found = store.GetRiskFactor(segment, route.FactorLighting, at)
	assert.False(t, found, "factors are keyed independently")

	_, found = store.GetRiskFactor(segment, route.FactorCrime, at.Add(2*time.Hour))
	assert.False(t, found, "a different query hour is a different key")

	// Another route with a segment over the same ground reuses the entry
	other := segment
	other.ID = "seg_7"
	_, found = store.GetRiskFactor(other, route.FactorCrime, at)
	assert.True(t, found)

	clock.Advance(time.Second)
	assert.Equal(t, 1, store.InvalidateBefore(clock.Now()))
	_, found = store.GetRiskFactor(segment, route.FactorCrime, at)
	assert.False(t, found)
}

func TestRiskFactorStore_InvalidateFactor(t *testing.T) {
	c := NewCache()
	store := NewRiskFactorStore(c, time.Hour)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	segment := route.Segment{
		Start: geo.Point{Latitude: 40.0, Longitude: -73.0},
		End:   geo.Point{Latitude: 40.001, Longitude: -73.0},
	}

	for _, name := range []route.FactorName{route.FactorTraffic, route.FactorCrime} {
		require.NoError(t, store.SetRiskFactor(segment, route.RiskFactor{Name: name, Score: 0.5, ObservedAt: at, Sources: []string{"test"}}, at))
	}
	require.NoError(t, c.Set("weather:40.00:-73.00", "clear", time.Hour, "openweather"))

	assert.Equal(t, 1, store.InvalidateFactor(route.FactorTraffic))
	_, found := store.GetRiskFactor(segment, route.FactorTraffic, at)
	assert.False(t, found)
	_, found = store.GetRiskFactor(segment, route.FactorCrime, at)
	assert.True(t, found)
	assert.Equal(t, 2, len(c.Keys()))
}

func TestRiskFactorStore_InvalidateBeforeKeepsOtherEntries(t *testing.T) {
	clock := newClock()
	c := NewCache(WithClock(clock.Now))
	store := NewRiskFactorStore(c, time.Hour)
	at := clock.Now()
	segment := route.Segment{
		Start: geo.Point{Latitude: 40.0, Longitude: -73.0},
		End:   geo.Point{Latitude: 40.001, Longitude: -73.0},
	}

	require.NoError(t, store.SetRiskFactor(segment, route.RiskFactor{Name: route.FactorCrime, Score: 0.5, ObservedAt: at, Sources: []string{"test"}}, at))
	require.NoError(t, c.Set("weather:40.00:-73.00", "clear", time.Hour, "openweather"))
	require.NoError(t, c.Set("overpass:40.00000,-73.00000:40.00100,-73.00000", "features", time.Hour, "openstreetmap"))

	clock.Advance(time.Second)
	assert.Equal(t, 1, store.InvalidateBefore(clock.Now()))
	assert.ElementsMatch(t, []string{"weather:40.00:-73.00", "overpass:40.00000,-73.00000:40.00100,-73.00000"}, c.Keys())
}
