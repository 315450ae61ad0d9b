package progression

import (
	"sync"
	"time"
)

// RulesCache caches the enabled-rule snapshot between sweeps so a sweep does
// not hit the rule store on every tick. Rule CRUD invalidates it, which is
// what gives sweeps snapshot isolation: the sweep in flight keeps the list
// it already read, the next sweep sees the edit.
type RulesCache interface {
	// Get returns the cached snapshot, or nil on miss or expiry.
	Get() []*Rule

	// Set replaces the cached snapshot.
	Set(rules []*Rule)

	// Invalidate forces the next Get to miss.
	Invalidate()
}

// CacheConfig controls cache expiry. A zero TTL means entries only leave the
// cache on explicit invalidation.
type CacheConfig struct {
	TTL time.Duration
}

// DefaultCacheConfig returns the configuration used by NewEngine: no TTL,
// mutation-driven invalidation only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesCache is a thread-safe RulesCache.
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	valid    bool
	config   CacheConfig
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates an empty cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

// Get returns a copy of the cached rules, or nil if invalid or expired.
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil
	}
	if c.config.TTL > 0 && time.Since(c.cachedAt) > c.config.TTL {
		return nil
	}

	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Set stores a copy of the snapshot.
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.valid = true
}

// Invalidate drops the snapshot.
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}
