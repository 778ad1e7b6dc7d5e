package sweep

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketRuns = []byte("sweep_runs") // 8-byte sequence -> Result JSON

// Journal persists sweep results so the last runs survive a restart.
type Journal struct {
	db     *bbolt.DB
	logger *slog.Logger
	keep   int
	noSync bool
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalLogger sets the logger for the journal.
func WithJournalLogger(logger *slog.Logger) JournalOption {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithKeep sets how many results are retained (default: 100).
func WithKeep(n int) JournalOption {
	return func(j *Journal) {
		j.keep = n
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) JournalOption {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string, opts ...JournalOption) (*Journal, error) {
	j := &Journal{
		logger: slog.Default(),
		keep:   100,
	}
	for _, opt := range opts {
		opt(j)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sweep journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketRuns, err)
	}
	j.db = db

	j.logger.Debug("opened sweep journal", "path", path)
	return j, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Record appends a result and trims the journal to the retention limit.
func (j *Journal) Record(result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding sweep result: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(encodeSeq(seq), data); err != nil {
			return err
		}

		if j.keep <= 0 {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > j.keep {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

// History returns up to limit results, newest first. A non-positive limit
// returns every retained result.
func (j *Journal) History(limit int) ([]*Result, error) {
	var results []*Result
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(results) >= limit {
				break
			}
			var r Result
			if err := json.Unmarshal(v, &r); err != nil {
				j.logger.Warn("skipping unreadable sweep journal entry", "seq", binary.BigEndian.Uint64(k), "error", err)
				continue
			}
			results = append(results, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading sweep journal: %w", err)
	}
	return results, nil
}

// Last returns the most recent result, or nil if the journal is empty.
func (j *Journal) Last() (*Result, error) {
	results, err := j.History(1)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return results[0], nil
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
