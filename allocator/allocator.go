// Package allocator issues short random paste identifiers that are checked
// against a bloom filter of identifiers already in use.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/wolfeidau/paste-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Alphabet is the base62 symbol set identifiers are drawn from.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ErrAllocatorExhausted is returned when no free identifier was found
// within the attempt budget at every permitted length.
var ErrAllocatorExhausted = errors.New("allocator: identifier space exhausted")

// KeyLister enumerates the identifiers currently present in blob storage.
type KeyLister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config configures an Allocator.
type Config struct {
	ExpectedItems     uint    // Expected number of live identifiers (default: 1606208)
	FalsePositiveRate float64 // Target bloom filter false positive rate (default: 0.01)
	IDLength          int     // Identifier length after a rebuild (default: 4)
	MaxLength         int     // Longest identifier before giving up (default: IDLength+4)
	MaxAttempts       int     // Candidates tried per length (default: 64)
	RebuildEvery      int64   // Writes between forced rebuilds, 0 disables (default: 500)
}

// DefaultConfig returns the default allocator configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     1_606_208,
		FalsePositiveRate: 0.01,
		IDLength:          4,
		MaxLength:         8,
		MaxAttempts:       64,
		RebuildEvery:      500,
	}
}

// Stats describes the allocator state.
type Stats struct {
	IDLength      int       `json:"id_length"`
	Reserved      uint      `json:"reserved"`
	Approximate   uint32    `json:"approximate_members"`
	FilterBits    uint      `json:"filter_bits"`
	Writes        int64     `json:"writes"`
	LastRebuild   time.Time `json:"last_rebuild"`
	RebuiltFrom   int       `json:"rebuilt_from"`
	Rebuilds      int64     `json:"rebuilds"`
	ExpectedItems uint      `json:"expected_items"`
}

// Allocator generates identifiers that the membership filter reports as
// unused. Generate and Rebuild share one mutex so a check-then-insert never
// interleaves with another allocation or with a rebuild.
type Allocator struct {
	config Config
	keys   KeyLister
	logger *slog.Logger
	now    func() time.Time
	intN   func(n int) int

	excluded map[string]struct{}

	mu          sync.Mutex
	filter      *bloom.BloomFilter
	length      int
	reserved    uint
	lastRebuild time.Time
	rebuiltFrom int

	writes   atomic.Int64
	rebuilds atomic.Int64
	group    singleflight.Group
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger for the allocator.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithRand sets the random source used to pick symbols. fn must return a
// value in [0, n) and be safe for use under the allocator lock.
func WithRand(fn func(n int) int) Option {
	return func(a *Allocator) {
		a.intN = fn
	}
}

// WithExcluded keeps the given identifiers from ever being issued, for
// example names that collide with fixed routes.
func WithExcluded(ids ...string) Option {
	return func(a *Allocator) {
		if a.excluded == nil {
			a.excluded = make(map[string]struct{}, len(ids))
		}
		for _, id := range ids {
			a.excluded[id] = struct{}{}
		}
	}
}

// New creates an allocator with an empty membership filter. Call Rebuild to
// seed it from blob storage before serving traffic.
func New(keys KeyLister, cfg Config, opts ...Option) *Allocator {
	def := DefaultConfig()
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = def.FalsePositiveRate
	}
	if cfg.IDLength <= 0 {
		cfg.IDLength = def.IDLength
	}
	if cfg.MaxLength < cfg.IDLength {
		cfg.MaxLength = cfg.IDLength + 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	a := &Allocator{
		config: cfg,
		keys:   keys,
		logger: slog.Default(),
		now:    time.Now,
		intN:   rand.IntN,
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		length: cfg.IDLength,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate returns a new identifier and reserves it in the membership
// filter. Candidates the filter reports as present, and excluded
// identifiers, are discarded. After MaxAttempts misses the identifier length
// grows by one, up to MaxLength; beyond that ErrAllocatorExhausted is
// returned.
func (a *Allocator) Generate(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	attempts := 0
	for a.length <= a.config.MaxLength {
		for i := 0; i < a.config.MaxAttempts; i++ {
			attempts++
			id := a.randomID(a.length)
			if _, skip := a.excluded[id]; skip || a.filter.TestString(id) {
				continue
			}
			a.filter.AddString(id)
			a.reserved++
			telemetry.RecordAllocation(ctx, "success", attempts)
			return id, nil
		}

		if a.length == a.config.MaxLength {
			break
		}
		a.length++
		a.logger.Warn("identifier space crowded, widening identifiers",
			"length", a.length,
			"attempts", attempts,
			"reserved", a.reserved,
		)
	}

	telemetry.RecordAllocation(ctx, "exhausted", attempts)
	a.logger.Error("identifier allocation failed",
		"length", a.length,
		"attempts", attempts,
	)
	return "", ErrAllocatorExhausted
}

// Contains reports whether the filter considers id in use.
func (a *Allocator) Contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter.TestString(id)
}

// Rebuild replaces the membership filter with a fresh one seeded from every
// key in blob storage and resets the identifier length. If the listing
// fails the current filter is kept.
func (a *Allocator) Rebuild(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.now()

	keys, err := a.keys.List(ctx, "")
	if err != nil {
		telemetry.RecordAllocatorRebuild(ctx, 0, a.now().Sub(start), "error")
		return 0, fmt.Errorf("listing blobs for allocator rebuild: %w", err)
	}

	filter := bloom.NewWithEstimates(a.config.ExpectedItems, a.config.FalsePositiveRate)
	added := 0
	for _, key := range keys {
		// Nested keys are not identifiers we issued.
		if strings.Contains(key, "/") {
			continue
		}
		filter.AddString(key)
		added++
	}

	a.filter = filter
	a.length = a.config.IDLength
	a.reserved = uint(added)
	a.lastRebuild = a.now()
	a.rebuiltFrom = added
	a.rebuilds.Add(1)

	duration := a.now().Sub(start)
	telemetry.RecordAllocatorRebuild(ctx, added, duration, "success")

	if added > 0 {
		a.logger.Info("allocator rebuilt", "keys", added, "duration", duration)
	} else {
		a.logger.Debug("allocator rebuilt, blob storage empty")
	}
	return added, nil
}

// RebuildShared runs Rebuild, collapsing concurrent callers into a single
// rebuild whose result they all share.
func (a *Allocator) RebuildShared(ctx context.Context) (int, error) {
	v, err, _ := a.group.Do("rebuild", func() (any, error) {
		return a.Rebuild(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// RecordWrite counts one accepted write and reports whether the configured
// number of writes has been reached, meaning the filter should be rebuilt
// before the next allocation.
func (a *Allocator) RecordWrite() bool {
	n := a.writes.Add(1)
	every := a.config.RebuildEvery
	return every > 0 && n%every == 0
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		IDLength:      a.length,
		Reserved:      a.reserved,
		Approximate:   a.filter.ApproximatedSize(),
		FilterBits:    a.filter.Cap(),
		Writes:        a.writes.Load(),
		LastRebuild:   a.lastRebuild,
		RebuiltFrom:   a.rebuiltFrom,
		Rebuilds:      a.rebuilds.Load(),
		ExpectedItems: a.config.ExpectedItems,
	}
}

func (a *Allocator) randomID(length int) string {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(Alphabet[a.intN(len(Alphabet))])
	}
	return b.String()
}
