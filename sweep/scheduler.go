// Package sweep purges elapsed deletion ledger buckets, at startup and on a
// wall-clock schedule, and reseeds the allocator and expiry cache.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	pastecache "github.com/wolfeidau/paste-cache"
	"github.com/wolfeidau/paste-cache/allocator"
	"github.com/wolfeidau/paste-cache/expiry"
	"github.com/wolfeidau/paste-cache/ledger"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Trigger names what started a sweep run.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Config configures the scheduler.
type Config struct {
	Schedule    string         // Cron spec for the recurring sweep (default: "0 2 * * *")
	Location    *time.Location // Time zone the schedule is evaluated in (default: UTC)
	Grace       int            // Days a bucket is kept past its date by recurring sweeps, at least 1 (default: 7)
	Concurrency int            // Buckets swept in parallel at startup (default: 4)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:    "0 2 * * *",
		Location:    time.UTC,
		Grace:       7,
		Concurrency: 4,
	}
}

// Ledger is the view of the deletion ledger the scheduler drives.
type Ledger interface {
	expiry.BucketSource
	ListDueBuckets(asOf pastecache.Date) ([]pastecache.Date, error)
	Sweep(ctx context.Context, date pastecache.Date) (ledger.SweepResult, error)
}

// Result contains the results of a sweep run.
type Result struct {
	Trigger      Trigger       `json:"trigger"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	AsOf         string        `json:"as_of"`
	BucketsSwept int           `json:"buckets_swept"`
	Records      int           `json:"records"`
	BlobsDeleted int           `json:"blobs_deleted"`
	Rebuilt      int           `json:"rebuilt_keys,omitempty"`
	Restored     int           `json:"restored,omitempty"`
	Evicted      int           `json:"evicted,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
}

// Scheduler runs ledger sweeps.
type Scheduler struct {
	ledger  Ledger
	alloc   *allocator.Allocator
	cache   *expiry.Cache
	journal *Journal
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	// runMu serializes sweep runs whatever their trigger.
	runMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	lastRun *Result
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics for the scheduler.
func WithMetrics(meter metric.Meter) Option {
	return func(s *Scheduler) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			s.logger.Error("failed to create sweep metrics", "error", err)
			return
		}
		s.metrics = metrics
	}
}

// WithJournal records every run in j.
func WithJournal(j *Journal) Option {
	return func(s *Scheduler) {
		s.journal = j
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler. alloc and cache are reseeded by Startup; either
// may be nil to skip that step.
func New(l Ledger, alloc *allocator.Allocator, cache *expiry.Cache, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	s := &Scheduler{
		ledger: l,
		alloc:  alloc,
		cache:  cache,
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Startup sweeps every bucket whose date has fully elapsed, then rebuilds
// the allocator from blob storage and reconstructs the expiry cache from the
// remaining buckets. It must complete before traffic is accepted. Failed
// bucket sweeps are reported in the result and left for a later run; a
// failed rebuild or reconstruction is returned as an error.
func (s *Scheduler) Startup(ctx context.Context) (*Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result := s.newResult(TriggerStartup)
	yesterday := pastecache.DateOf(result.StartedAt).AddDays(-1)
	result.AsOf = yesterday.String()

	s.sweepDue(ctx, yesterday, result)

	if s.alloc != nil {
		n, err := s.alloc.Rebuild(ctx)
		if err != nil {
			s.finish(ctx, result)
			return result, fmt.Errorf("rebuilding allocator: %w", err)
		}
		result.Rebuilt = n
	}

	if s.cache != nil {
		rr, err := s.cache.Reconstruct(ctx, s.ledger)
		if err != nil {
			s.finish(ctx, result)
			return result, fmt.Errorf("reconstructing expiry cache: %w", err)
		}
		result.Restored = rr.Restored
		result.Errors = append(result.Errors, rr.Errors...)
	}

	s.finish(ctx, result)
	return result, nil
}

// RunNow performs the recurring sweep immediately.
func (s *Scheduler) RunNow(ctx context.Context) *Result {
	return s.runRecurring(ctx, TriggerManual)
}

// Status returns the last run result, falling back to the journal after a
// restart. It returns nil if nothing has run yet.
func (s *Scheduler) Status() *Result {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if last != nil || s.journal == nil {
		return last
	}

	last, err := s.journal.Last()
	if err != nil {
		s.logger.Warn("failed to read sweep journal", "error", err)
		return nil
	}
	return last
}

// History returns up to limit journaled results, newest first.
func (s *Scheduler) History(limit int) ([]*Result, error) {
	if s.journal == nil {
		if last := s.Status(); last != nil {
			return []*Result{last}, nil
		}
		return nil, nil
	}
	return s.journal.History(limit)
}

// Start schedules the recurring sweep. Ticks that fire while a previous
// sweep is still running are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	log := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.config.Location),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if _, err := c.AddFunc(s.config.Schedule, func() {
		s.runRecurring(ctx, TriggerSchedule)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("sweep scheduler started",
		"schedule", s.config.Schedule,
		"location", s.config.Location.String(),
		"grace_days", s.config.Grace,
	)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runRecurring sweeps every bucket dated on or before today minus the
// grace period, so a bucket missed by a failed tick is picked up later.
func (s *Scheduler) runRecurring(ctx context.Context, trigger Trigger) *Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result := s.newResult(trigger)
	cutoff := pastecache.DateOf(result.StartedAt).AddDays(-s.config.Grace)
	result.AsOf = cutoff.String()

	s.sweepDue(ctx, cutoff, result)

	if s.cache != nil {
		result.Evicted = s.cache.EvictExpired()
	}
	if s.alloc != nil && result.BlobsDeleted > 0 {
		n, err := s.alloc.RebuildShared(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rebuild allocator: %v", err))
			s.logger.Error("failed to rebuild allocator after sweep", "error", err)
		} else {
			result.Rebuilt = n
		}
	}

	s.finish(ctx, result)
	return result
}

// sweepDue sweeps the buckets dated on or before asOf. Buckets are
// independent, so they are swept in parallel.
func (s *Scheduler) sweepDue(ctx context.Context, asOf pastecache.Date, result *Result) {
	dates, err := s.ledger.ListDueBuckets(asOf)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list due buckets: %v", err))
		s.logger.Error("failed to list due buckets", "as_of", asOf.String(), "error", err)
		return
	}
	if len(dates) == 0 {
		s.logger.Debug("no buckets due", "as_of", asOf.String())
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, date := range dates {
		g.Go(func() error {
			sr, err := s.ledger.Sweep(gctx, date)

			mu.Lock()
			defer mu.Unlock()
			result.Records += sr.Records
			result.BlobsDeleted += sr.BlobsDeleted
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("sweep %s: %v", date, err))
				var ie *ledger.IntegrityError
				if errors.As(err, &ie) {
					s.logger.Error("bucket has unparsable record, left in place",
						"bucket", date.String(),
						"line", ie.Line,
						"raw", ie.Raw,
						"error", ie.Err,
					)
				} else {
					s.logger.Error("failed to sweep bucket", "bucket", date.String(), "error", err)
				}
				return nil
			}
			if !sr.Missing {
				result.BucketsSwept++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) newResult(trigger Trigger) *Result {
	s.logger.Info("starting sweep", "trigger", string(trigger))
	return &Result{
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
	}
}

func (s *Scheduler) finish(ctx context.Context, result *Result) {
	result.Duration = s.now().Sub(result.StartedAt)

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	s.metrics.record(ctx, result)

	if s.journal != nil {
		if err := s.journal.Record(result); err != nil {
			s.logger.Warn("failed to journal sweep result", "error", err)
		}
	}

	s.logger.Info("sweep completed",
		"trigger", string(result.Trigger),
		"as_of", result.AsOf,
		"duration", result.Duration,
		"buckets_swept", result.BucketsSwept,
		"records", result.Records,
		"blobs_deleted", result.BlobsDeleted,
		"errors", len(result.Errors),
	)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
