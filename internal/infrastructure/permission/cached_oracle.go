package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
)

// DefaultCacheTTL is used when a non-positive TTL is configured
const DefaultCacheTTL = 5 * time.Minute

// CacheObserver is told about every cache lookup
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

type cacheEntry struct {
	caps    CapabilitySet
	expires time.Time
}

// CachedOracle answers Authorized from a per-actor capability cache filled by
// a Resolver. Entries expire after the TTL or on Invalidate.
type CachedOracle struct {
	resolver Resolver
	ttl      time.Duration
	observer CacheObserver
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// epoch is bumped by InvalidateAll and gens[actor] by Invalidate. A
	// lookup only stores its result if neither moved while it ran.
	epoch uint64
	gens  map[string]uint64
}

var _ port.PermissionOracle = (*CachedOracle)(nil)

// Option configures a CachedOracle
type Option func(*CachedOracle)

// WithObserver reports hits and misses to o
func WithObserver(o CacheObserver) Option {
	return func(c *CachedOracle) {
		c.observer = o
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *CachedOracle) {
		c.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *CachedOracle) {
		c.now = now
	}
}

// NewCachedOracle creates a caching oracle over resolver
func NewCachedOracle(resolver Resolver, ttl time.Duration, opts ...Option) *CachedOracle {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &CachedOracle{
		resolver: resolver,
		ttl:      ttl,
		logger:   zap.NewNop(),
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		gens:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorized reports whether actorID holds capability
func (c *CachedOracle) Authorized(ctx context.Context, actorID, capability string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	caps, err := c.Capabilities(ctx, actorID)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Capabilities returns the cached capability set, resolving it on a miss
func (c *CachedOracle) Capabilities(ctx context.Context, actorID string) (CapabilitySet, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.cache[actorID]
	epoch, gen := c.epoch, c.gens[actorID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		c.hit()
		return entry.caps, nil
	}
	c.miss()

	caps, err := c.resolver.Capabilities(ctx, actorID)
	if err != nil {
		c.logger.Warn("Failed to resolve capabilities",
			zap.String("actor_id", actorID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to resolve capabilities for %s: %w", actorID, err)
	}

	c.mu.Lock()
	if c.epoch == epoch && c.gens[actorID] == gen {
		c.cache[actorID] = cacheEntry{caps: caps, expires: now.Add(c.ttl)}
	}
	c.mu.Unlock()

	return caps, nil
}

// Invalidate drops the cached capabilities of one actor
func (c *CachedOracle) Invalidate(actorID string) {
	c.mu.Lock()
	delete(c.cache, actorID)
	c.gens[actorID]++
	c.mu.Unlock()
	c.logger.Info("Permission cache invalidated", zap.String("actor_id", actorID))
}

// InvalidateAll empties the cache
func (c *CachedOracle) InvalidateAll() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.gens = make(map[string]uint64)
	c.epoch++
	c.mu.Unlock()
	c.logger.Info("Permission cache cleared")
}

func (c *CachedOracle) hit() {
	if c.observer != nil {
		c.observer.CacheHit()
	}
}

func (c *CachedOracle) miss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}
