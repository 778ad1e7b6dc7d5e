// Package expiry tracks which pastes are still within their lifetime.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/wolfeidau/paste-cache/telemetry"
)

// Config holds expiry cache configuration.
type Config struct {
	// CleanupInterval is how often expired entries are purged in the
	// background. Default is 2 hours.
	CleanupInterval time.Duration

	// Logger for expiry events.
	Logger *slog.Logger

	// Clock returns the current time when reconstructing from the ledger.
	// Default is time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 2 * time.Hour,
		Logger:          slog.Default(),
	}
}

// Cache maps paste keys to the instant their lifetime ends. An entry is
// valid only while that instant is in the future; expired entries read as
// absent even before the background cleanup removes them.
//
// Lookups are lock-free. Mutations are serialized so EvictExpired can
// report an exact count.
type Cache struct {
	config Config
	items  *ttlcache.Cache[string, struct{}]
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex
	expired atomic.Int64 // entries purged because their lifetime ended

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates an empty expiry cache.
func New(cfg Config) *Cache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 2 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Cache{
		config: cfg,
		items: ttlcache.New[string, struct{}](
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		logger: cfg.Logger,
		now:    cfg.Clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// MarkValid records key as valid for ttl from now, replacing any previous
// entry. A non-positive ttl removes the key instead.
func (c *Cache) MarkValid(key string, ttl time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ttl <= 0 {
		c.items.Delete(key)
		return
	}
	c.items.Set(key, struct{}{}, ttl)
}

// IsValid reports whether key is present and not yet expired.
func (c *Cache) IsValid(key string) bool {
	return c.items.Get(key) != nil
}

// Remaining returns how long key stays valid. ok is false if key is absent
// or already expired.
func (c *Cache) Remaining(key string) (remaining time.Duration, ok bool) {
	item := c.items.Get(key)
	if item == nil {
		return 0, false
	}
	remaining = time.Until(item.ExpiresAt())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Evict removes key and reports whether it was valid at the time.
func (c *Cache) Evict(key string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	valid := c.items.Get(key) != nil
	c.items.Delete(key)
	return valid
}

// EvictExpired removes every expired entry and returns how many were removed.
func (c *Cache) EvictExpired() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Every eviction happens under writeMu, so the delta is ours alone.
	before := c.items.Metrics().Evictions
	c.items.DeleteExpired()
	n := int(c.items.Metrics().Evictions - before)
	c.expired.Add(int64(n))
	return n
}

// Len returns the number of valid entries. Expired entries are not counted,
// whether or not they have been purged yet.
func (c *Cache) Len() int {
	return c.items.Len()
}

// Start begins background purging of expired entries.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopped || c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop stops background purging.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cache) cleanup(ctx context.Context) {
	n := c.EvictExpired()
	telemetry.RecordCacheEviction(ctx, "expired", n)
	if n > 0 {
		c.logger.Info("expired pastes purged from cache", "evicted", n, "remaining", c.Len())
	} else {
		c.logger.Debug("expiry cleanup complete, nothing to purge")
	}
}
