// Package viewcache memoizes derived attendance views with a TTL and
// synchronous scope invalidation.
package viewcache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long a computed view is served without recomputation.
const DefaultTTL = 120 * time.Second

// DefaultComputeTimeout bounds one shared computation.
const DefaultComputeTimeout = 30 * time.Second

const keySeparator = "|"

// ComputeFunc produces a fresh payload on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Config describes the cache dependencies.
type Config struct {
	TTL            time.Duration
	ComputeTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

type entry struct {
	payload    []byte
	computedAt time.Time
}

// Cache is safe for concurrent use. Reads share an RWMutex; concurrent misses
// for the same key collapse onto one computation.
type Cache struct {
	mu             sync.RWMutex
	entries        map[string]entry
	generation     uint64
	ttl            time.Duration
	computeTimeout time.Duration
	clock          func() time.Time
	group          singleflight.Group
	logger         *zap.Logger
}

// New constructs an empty cache.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	computeTimeout := cfg.ComputeTimeout
	if computeTimeout <= 0 {
		computeTimeout = DefaultComputeTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:        make(map[string]entry),
		ttl:            ttl,
		computeTimeout: computeTimeout,
		clock:          clock,
		logger:         logger,
	}
}

// Key joins a scope prefix, report type, and parameters into a cache key.
func Key(scopeKey, reportType string, params ...string) string {
	parts := append([]string{scopeKey, reportType}, params...)
	return strings.Join(parts, keySeparator)
}

// GetOrCompute returns the cached payload for key or computes, stores, and
// returns a fresh one. Errors are returned to every waiter and never cached.
// A computation that overlaps an Invalidate is returned but not stored.
// The shared computation is detached from the caller's cancellation, so one
// caller giving up does not fail the others waiting on the same key.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) ([]byte, error) {
	if payload, ok := c.lookup(key); ok {
		return payload, nil
	}

	generation := c.currentGeneration()
	flightKey := key + "#" + strconv.FormatUint(generation, 10)
	results := c.group.DoChan(flightKey, func() (interface{}, error) {
		if payload, ok := c.lookup(key); ok {
			return payload, nil
		}
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		payload, err := compute(computeCtx)
		if err != nil {
			return nil, err
		}
		c.store(key, payload, generation)
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		payload, _ := result.Val.([]byte)
		return clonePayload(payload), nil
	}
}

// Invalidate purges every key under scopeKey and returns how many were removed.
func (c *Cache) Invalidate(scopeKey string) int {
	c.mu.Lock()
	c.generation++
	removed := 0
	for key := range c.entries {
		if key == scopeKey || strings.HasPrefix(key, scopeKey+keySeparator) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	c.logger.Debug("view cache invalidated", zap.String("scope", scopeKey), zap.Int("removed", removed))
	return removed
}

// InvalidateAll purges every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.generation++
	removed := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	c.logger.Debug("view cache cleared", zap.Int("removed", removed))
}

// Len reports the number of stored entries, including expired ones not yet replaced.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) ([]byte, bool) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clock().Sub(cached.computedAt) >= c.ttl {
		return nil, false
	}
	return clonePayload(cached.payload), true
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Cache) store(key string, payload []byte, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return
	}
	c.entries[key] = entry{payload: clonePayload(payload), computedAt: c.clock()}
}

func clonePayload(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	return append([]byte(nil), payload...)
}
