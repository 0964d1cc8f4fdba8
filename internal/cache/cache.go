package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// DefaultShardCount is the number of independently locked partitions
const DefaultShardCount = 32

// Cache provides thread-safe in-memory caching with TTL. Keys are spread over
// shards so writes only contend with keys in the same shard.
type Cache struct {
	shards []*shard
	now    func() time.Time
}

type shard struct {
	entries map[string]*CacheEntry
	mutex   sync.RWMutex
}

// CacheEntry represents a cached item with metadata
type CacheEntry struct {
	Key       string        `json:"key"`
	Data      []byte        `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	TTL       time.Duration `json:"ttl"`
	Source    string        `json:"source"`
}

// Option configures a Cache
type Option func(*Cache)

// WithShards overrides the number of shards
func WithShards(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shards = newShards(n)
		}
	}
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates a new in-memory cache
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		shards: newShards(DefaultShardCount),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*CacheEntry)}
	}
	return shards
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[murmur3.Sum32([]byte(key))%uint32(len(c.shards))]
}

// Set stores data in cache for ttl
func (c *Cache) Set(key string, data interface{}, ttl time.Duration, source string) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data for cache: %w", err)
	}

	now := c.now()
	entry := &CacheEntry{
		Key:       key,
		Data:      jsonData,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		TTL:       ttl,
		Source:    source,
	}

	s := c.shardFor(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries[key] = entry
	return nil
}

// Get retrieves data from cache if not stale
func (c *Cache) Get(key string, result interface{}) (bool, error) {
	entry, exists := c.entry(key)
	if !exists || c.now().After(entry.ExpiresAt) {
		return false, nil
	}

	if err := json.Unmarshal(entry.Data, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}
	return true, nil
}

// GetWithMetadata retrieves data and cache metadata, even when stale
func (c *Cache) GetWithMetadata(key string, result interface{}) (*CacheEntry, bool, error) {
	entry, exists := c.entry(key)
	if !exists {
		return nil, false, nil
	}

	if result != nil {
		if err := json.Unmarshal(entry.Data, result); err != nil {
			return entry, exists, fmt.Errorf("failed to unmarshal cached data: %w", err)
		}
	}
	return entry, exists, nil
}

func (c *Cache) entry(key string) (*CacheEntry, bool) {
	s := c.shardFor(key)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, exists := s.entries[key]
	return entry, exists
}

// IsStale checks if cache entry is missing or past expiration
func (c *Cache) IsStale(key string) bool {
	entry, exists := c.entry(key)
	if !exists {
		return true
	}
	return c.now().After(entry.ExpiresAt)
}

// Delete removes an entry from cache
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.entries, key)
}

// Clear removes all entries from cache
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mutex.Lock()
		s.entries = make(map[string]*CacheEntry)
		s.mutex.Unlock()
	}
}

// Keys returns all cache keys
func (c *Cache) Keys() []string {
	var keys []string
	for _, s := range c.shards {
		s.mutex.RLock()
		for key := range s.entries {
			keys = append(keys, key)
		}
		s.mutex.RUnlock()
	}
	return keys
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	now := c.now()
	var stats CacheStats

	for _, s := range c.shards {
		s.mutex.RLock()
		stats.TotalEntries += len(s.entries)
		for _, entry := range s.entries {
			if now.After(entry.ExpiresAt) {
				stats.StaleEntries++
			} else {
				stats.FreshEntries++
			}

			if stats.OldestEntry.IsZero() || entry.CreatedAt.Before(stats.OldestEntry) {
				stats.OldestEntry = entry.CreatedAt
			}
			if entry.CreatedAt.After(stats.NewestEntry) {
				stats.NewestEntry = entry.CreatedAt
			}
		}
		s.mutex.RUnlock()
	}

	return stats
}

// CleanupStale removes all stale entries from cache
func (c *Cache) CleanupStale() int {
	now := c.now()
	return c.removeWhere(func(entry *CacheEntry) bool {
		return now.After(entry.ExpiresAt)
	})
}

// InvalidateBefore removes every entry written before t. Providers call it
// when their upstream data has been refreshed.
func (c *Cache) InvalidateBefore(t time.Time) int {
	return c.removeWhere(func(entry *CacheEntry) bool {
		return entry.CreatedAt.Before(t)
	})
}

// DeletePrefix removes every entry whose key starts with prefix
func (c *Cache) DeletePrefix(prefix string) int {
	return c.removeWhere(func(entry *CacheEntry) bool {
		return strings.HasPrefix(entry.Key, prefix)
	})
}

func (c *Cache) removeWhere(match func(*CacheEntry) bool) int {
	removed := 0
	for _, s := range c.shards {
		s.mutex.Lock()
		for key, entry := range s.entries {
			if match(entry) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mutex.Unlock()
	}
	return removed
}

// CacheStats provides cache usage statistics
type CacheStats struct {
	TotalEntries int
	FreshEntries int
	StaleEntries int
	OldestEntry  time.Time
	NewestEntry  time.Time
}
