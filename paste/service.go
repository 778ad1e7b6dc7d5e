// Package paste implements the paste lifecycle: upload, retrieval and
// early deletion on top of the blob store, deletion ledger, identifier
// allocator and expiry cache.
package paste

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	pastecache "github.com/wolfeidau/paste-cache"
	"github.com/wolfeidau/paste-cache/allocator"
	"github.com/wolfeidau/paste-cache/backend"
	"github.com/wolfeidau/paste-cache/expiry"
	"github.com/wolfeidau/paste-cache/ledger"
	"github.com/wolfeidau/paste-cache/telemetry"
)

// MaxSize is the largest paste accepted, in bytes.
const MaxSize = 128 << 10

var (
	// ErrNotFound is returned for unknown, expired, deleted and malformed
	// identifiers alike.
	ErrNotFound = errors.New("paste not found")

	// ErrInvalidTTL is returned when a lifetime cannot be parsed.
	ErrInvalidTTL = errors.New("invalid ttl")

	// ErrTooLarge is returned when a paste exceeds MaxSize.
	ErrTooLarge = errors.New("paste too large")

	// ErrEmpty is returned when a paste has no content.
	ErrEmpty = errors.New("paste is empty")
)

// Paste describes a stored paste.
type Paste struct {
	ID        string
	Hash      pastecache.Hash
	Size      int64
	ExpiresAt time.Time
}

// Content is a retrieved paste.
type Content struct {
	ID        string
	Data      []byte
	Hash      pastecache.Hash
	Remaining time.Duration
}

// Service coordinates the paste lifecycle.
type Service struct {
	blobs  backend.Backend
	ledger *ledger.Ledger
	alloc  *allocator.Allocator
	cache  *expiry.Cache
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a paste service.
func New(blobs backend.Backend, l *ledger.Ledger, alloc *allocator.Allocator, cache *expiry.Cache, opts ...Option) *Service {
	s := &Service{
		blobs:  blobs,
		ledger: l,
		alloc:  alloc,
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores the content of r as a new paste living for expirySeconds.
// The steps run in order: allocate an identifier, write the blob, append the
// ledger record, mark the key valid. A failure stops the upload without
// undoing earlier steps; an orphaned blob or identifier is reclaimed by the
// next rebuild or sweep.
func (s *Service) Upload(ctx context.Context, r io.Reader, expirySeconds uint64) (*Paste, error) {
	if expirySeconds == 0 {
		return nil, fmt.Errorf("%w: lifetime must be positive", ErrInvalidTTL)
	}

	hr := pastecache.NewHashingReader(io.LimitReader(r, MaxSize+1))
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, fmt.Errorf("reading paste: %w", err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	if s.alloc.RecordWrite() {
		evicted := s.cache.EvictExpired()
		telemetry.RecordCacheEviction(ctx, "expired", evicted)
		// The rebuild is shared with concurrent uploads, so it must outlive
		// this request. On failure the previous filter stays in use.
		if _, err := s.alloc.RebuildShared(context.WithoutCancel(ctx)); err != nil {
			s.log(ctx).Warn("forced allocator rebuild failed, keeping previous filter", "error", err)
		} else {
			s.log(ctx).Debug("forced allocator rebuild before upload", "evicted", evicted)
		}
	}

	id, err := s.alloc.Generate(ctx)
	if err != nil {
		return nil, err
	}

	hash := hr.Sum()
	if err := s.blobs.Write(ctx, id, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing paste %s: %w", id, err)
	}

	now := s.now()
	record := pastecache.NewRecord(id, expirySeconds, now)
	bucket := pastecache.BucketDate(now, int64(expirySeconds))
	if err := s.ledger.Append(ctx, record, bucket); err != nil {
		return nil, fmt.Errorf("recording deletion of %s: %w", id, err)
	}

	ttl := time.Duration(expirySeconds) * time.Second
	s.cache.MarkValid(id, ttl)
	size := hr.BytesRead()
	telemetry.RecordPasteWrite(ctx, size)

	s.log(ctx).Debug("paste stored",
		"id", id,
		"size", size,
		"expiry", expirySeconds,
		"bucket", bucket.String(),
	)

	return &Paste{
		ID:        id,
		Hash:      hash,
		Size:      size,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Get returns the content of a valid paste. Keys the expiry cache does not
// consider valid are reported as ErrNotFound even if their blob is still on
// disk.
func (s *Service) Get(ctx context.Context, id string) (*Content, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	remaining, ok := s.cache.Remaining(id)
	if !ok {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, ErrNotFound
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)

	rc, err := s.blobs.Read(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			s.log(ctx).Warn("valid paste has no blob", "id", id)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading paste %s: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading paste %s: %w", id, err)
	}

	return &Content{
		ID:        id,
		Data:      data,
		Hash:      pastecache.HashBytes(data),
		Remaining: remaining,
	}, nil
}

// Delete removes a paste before its lifetime ends: the key stops being
// valid, its ledger record is removed and its blob deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}

	wasValid := s.cache.Evict(id)
	if wasValid {
		telemetry.RecordCacheEviction(ctx, "deleted", 1)
	}

	bucket, found, err := s.ledger.Find(ctx, id, pastecache.DateOf(s.now()))
	if err != nil {
		return fmt.Errorf("locating paste %s: %w", id, err)
	}
	if !found && !wasValid {
		return ErrNotFound
	}

	attrs := []any{"id", id}
	if found {
		if _, err := s.ledger.Remove(ctx, id, bucket); err != nil {
			return fmt.Errorf("removing ledger record for %s: %w", id, err)
		}
		attrs = append(attrs, "bucket", bucket.String())
	}

	if _, err := s.blobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting paste %s: %w", id, err)
	}

	s.log(ctx).Info("paste deleted", attrs...)
	return nil
}

// log returns the service logger tagged with the request identifier, if any.
func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := telemetry.RequestIDFromContext(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

// ValidID reports whether id is a non-empty run of ASCII letters and digits.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}
