package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/safewalk/server/internal/lib/route"
)

const (
	riskFactorSource    = "risk_factor"
	riskFactorKeyPrefix = "risk:"
)

// RiskFactorStore makes the main Cache serve risk factor observations.
// Entries are keyed by factor, segment geometry and query hour so that
// overlapping routes share observations.
type RiskFactorStore struct {
	cache *Cache
	ttl   time.Duration
}

// NewRiskFactorStore creates an adapter whose entries live for ttl
func NewRiskFactorStore(cache *Cache, ttl time.Duration) *RiskFactorStore {
	return &RiskFactorStore{cache: cache, ttl: ttl}
}

// RiskFactorKey builds the cache key for an observation
func RiskFactorKey(segment route.Segment, name route.FactorName, at time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", riskFactorKeyPrefix, name, segment.GeometryKey(), at.UTC().Truncate(time.Hour).Unix())
}

// GetRiskFactor returns a fresh cached observation
func (s *RiskFactorStore) GetRiskFactor(segment route.Segment, name route.FactorName, at time.Time) (route.RiskFactor, bool) {
	var factor route.RiskFactor
	found, err := s.cache.Get(RiskFactorKey(segment, name, at), &factor)
	if err != nil || !found {
		return route.RiskFactor{}, false
	}
	return factor, true
}

// SetRiskFactor caches an observation
func (s *RiskFactorStore) SetRiskFactor(segment route.Segment, factor route.RiskFactor, at time.Time) error {
	return s.cache.Set(RiskFactorKey(segment, factor.Name, at), factor, s.ttl, riskFactorSource)
}

// InvalidateFactor drops every cached observation of one factor
func (s *RiskFactorStore) InvalidateFactor(name route.FactorName) int {
	return s.cache.DeletePrefix(riskFactorKeyPrefix + string(name) + ":")
}

// InvalidateBefore drops observations cached before t. Other entries in the
// shared cache are left alone.
func (s *RiskFactorStore) InvalidateBefore(t time.Time) int {
	return s.cache.removeWhere(func(entry *CacheEntry) bool {
		return strings.HasPrefix(entry.Key, riskFactorKeyPrefix) && entry.CreatedAt.Before(t)
	})
}
