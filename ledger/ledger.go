// Package ledger persists, per UTC calendar day, the pastes scheduled for
// deletion on that day. Each day is a bucket file of newline-delimited JSON
// records named <YYYY-MM-DD>.txt.
//
// Operations on the same bucket are serialized; different buckets proceed
// concurrently. Unparsable lines abort Remove and Sweep with an
// *IntegrityError and leave the bucket untouched, while ReadBucket reports
// them and carries on.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	pastecache "github.com/wolfeidau/paste-cache"
	"github.com/wolfeidau/paste-cache/telemetry"
)

const bucketSuffix = ".txt"

// BlobDeleter removes paste content when its bucket is swept.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) (bool, error)
}

// Ledger owns the bucket files under a single directory.
type Ledger struct {
	dir    string
	blobs  BlobDeleter
	logger *slog.Logger

	mu    sync.Mutex
	locks map[pastecache.Date]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for the ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates a ledger rooted at dir, creating the directory if needed.
// blobs is used by Sweep to delete the content of expired pastes.
func New(dir string, blobs BlobDeleter, opts ...Option) (*Ledger, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving ledger path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	l := &Ledger{
		dir:    absDir,
		blobs:  blobs,
		logger: slog.Default(),
		locks:  make(map[pastecache.Date]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the ledger directory.
func (l *Ledger) Dir() string {
	return l.dir
}

// Append adds a record to the bucket for date, creating the file if absent.
// The record must not be considered live unless Append returns nil.
func (l *Ledger) Append(ctx context.Context, record pastecache.Record, date pastecache.Date) (err error) {
	defer func() { telemetry.RecordLedgerOp(ctx, "append", outcome(err)) }()

	line, err := record.Encode()
	if err != nil {
		return err
	}

	unlock := l.lock(date)
	defer unlock()

	f, err := os.OpenFile(l.bucketPath(date), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening bucket %s: %w", date, err)
	}
	defer func() { _ = f.Close() }()

	// A torn write from an earlier crash leaves the file without a trailing
	// newline; start a fresh line so the new record stays parsable.
	terminated, err := endsWithNewline(f)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", date, err)
	}
	if !terminated {
		line = append([]byte{'\n'}, line...)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to bucket %s: %w", date, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing bucket %s: %w", date, err)
	}

	l.logger.Debug("ledger record appended", "bucket", date.String(), "key", record.Key)
	return nil
}

// Remove deletes the record for key from the bucket for date and reports
// whether a record was removed. The bucket is rewritten atomically with the
// remaining lines in their original order; an emptied bucket stays on disk
// until it is swept. A missing bucket is a no-op.
func (l *Ledger) Remove(ctx context.Context, key string, date pastecache.Date) (removed bool, err error) {
	defer func() { telemetry.RecordLedgerOp(ctx, "remove", outcome(err)) }()

	unlock := l.lock(date)
	defer unlock()

	lines, err := l.readLines(date)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	kept := make([][]byte, 0, len(lines))
	for i, line := range lines {
		record, err := pastecache.DecodeRecord(line)
		if err != nil {
			return false, newIntegrityError(date, i+1, line, err)
		}
		if record.Key == key {
			removed = true
			continue
		}
		kept = append(kept, line)
	}

	if !removed {
		return false, nil
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := l.replaceBucket(date, buf.Bytes()); err != nil {
		return false, err
	}

	l.logger.Debug("ledger record removed", "bucket", date.String(), "key", key, "remaining", len(kept))
	return true, nil
}

// SweepResult describes one bucket sweep.
type SweepResult struct {
	Date         pastecache.Date
	Records      int
	BlobsDeleted int
	// Missing is true when the bucket file did not exist (already swept).
	Missing bool
}

// Sweep deletes the blob of every record in the bucket for date and then
// removes the bucket file. Missing blobs and a missing bucket are not
// errors. Callers must only sweep dates that have fully elapsed.
func (l *Ledger) Sweep(ctx context.Context, date pastecache.Date) (result SweepResult, err error) {
	defer func() { telemetry.RecordLedgerOp(ctx, "sweep", outcome(err)) }()

	result = SweepResult{Date: date}

	unlock := l.lock(date)
	defer unlock()

	lines, err := l.readLines(date)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Missing = true
			return result, nil
		}
		return result, err
	}

	records := make([]pastecache.Record, 0, len(lines))
	for i, line := range lines {
		record, err := pastecache.DecodeRecord(line)
		if err != nil {
			return result, newIntegrityError(date, i+1, line, err)
		}
		records = append(records, record)
	}
	result.Records = len(records)

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		existed, err := l.blobs.Delete(ctx, record.Key)
		if err != nil {
			return result, fmt.Errorf("deleting blob %s from bucket %s: %w", record.Key, date, err)
		}
		if existed {
			result.BlobsDeleted++
		}
	}

	if err := os.Remove(l.bucketPath(date)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("removing bucket %s: %w", date, err)
	}

	l.logger.Info("ledger bucket swept",
		"bucket", date.String(),
		"records", result.Records,
		"blobs_deleted", result.BlobsDeleted,
	)
	return result, nil
}

// ListBuckets returns the dates of all bucket files in ascending order.
// Files that are not named after a date are ignored.
func (l *Ledger) ListBuckets() ([]pastecache.Date, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing ledger directory: %w", err)
	}

	var dates []pastecache.Date
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(entry.Name(), bucketSuffix)
		if !ok {
			continue
		}
		date, err := pastecache.ParseDate(name)
		if err != nil {
			l.logger.Warn("ignoring unexpected file in ledger directory", "name", entry.Name())
			continue
		}
		dates = append(dates, date)
	}

	sort.Slice(dates, func(i, j int) bool {
		return dates[i].Before(dates[j])
	})
	return dates, nil
}

// ListDueBuckets returns the bucket dates on or before asOf in ascending order.
func (l *Ledger) ListDueBuckets(asOf pastecache.Date) ([]pastecache.Date, error) {
	all, err := l.ListBuckets()
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, date := range all {
		if !date.After(asOf) {
			due = append(due, date)
		}
	}
	return due, nil
}

// ReadBucket returns the parsable records of the bucket for date along with
// an integrity error for every line that could not be decoded. A missing
// bucket yields no records and no error.
func (l *Ledger) ReadBucket(ctx context.Context, date pastecache.Date) ([]pastecache.Record, []*IntegrityError, error) {
	unlock := l.lock(date)
	lines, err := l.readLines(date)
	unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var (
		records []pastecache.Record
		bad     []*IntegrityError
	)
	for i, line := range lines {
		record, err := pastecache.DecodeRecord(line)
		if err != nil {
			bad = append(bad, newIntegrityError(date, i+1, line, err))
			continue
		}
		records = append(records, record)
	}
	return records, bad, nil
}

// Find returns the first bucket dated on or after from that holds a record
// for key.
func (l *Ledger) Find(ctx context.Context, key string, from pastecache.Date) (pastecache.Date, bool, error) {
	dates, err := l.ListBuckets()
	if err != nil {
		return pastecache.Date{}, false, err
	}
	for _, date := range dates {
		if date.Before(from) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pastecache.Date{}, false, err
		}
		records, _, err := l.ReadBucket(ctx, date)
		if err != nil {
			return pastecache.Date{}, false, err
		}
		for _, record := range records {
			if record.Key == key {
				return date, true, nil
			}
		}
	}
	return pastecache.Date{}, false, nil
}

func (l *Ledger) lock(date pastecache.Date) func() {
	l.mu.Lock()
	m, ok := l.locks[date]
	if !ok {
		m = &sync.Mutex{}
		l.locks[date] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Ledger) bucketPath(date pastecache.Date) string {
	return filepath.Join(l.dir, date.String()+bucketSuffix)
}

// readLines returns the non-empty lines of a bucket file. The caller must
// hold the bucket lock.
func (l *Ledger) readLines(date pastecache.Date) ([][]byte, error) {
	data, err := os.ReadFile(l.bucketPath(date))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("reading bucket %s: %w", date, err)
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// replaceBucket atomically replaces the bucket contents. The caller must
// hold the bucket lock.
func (l *Ledger) replaceBucket(date pastecache.Date, data []byte) error {
	tmp, err := os.CreateTemp(l.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing bucket %s: %w", date, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing bucket %s: %w", date, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.bucketPath(date)); err != nil {
		return fmt.Errorf("replacing bucket %s: %w", date, err)
	}

	success = true
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	default:
		return "error"
	}
}

func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] == '\n', nil
}
