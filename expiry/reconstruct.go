package expiry

import (
	"context"
	"fmt"
	"time"

	pastecache "github.com/wolfeidau/paste-cache"
	"github.com/wolfeidau/paste-cache/ledger"
	"github.com/wolfeidau/paste-cache/telemetry"
)

// BucketSource is the ledger view reconstruction reads from.
type BucketSource interface {
	ListBuckets() ([]pastecache.Date, error)
	ReadBucket(ctx context.Context, date pastecache.Date) ([]pastecache.Record, []*ledger.IntegrityError, error)
}

// ReconstructResult contains the results of a cache reconstruction.
type ReconstructResult struct {
	Buckets   int           `json:"buckets"`
	Restored  int           `json:"restored"`
	Expired   int           `json:"expired"`
	Malformed int           `json:"malformed"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}

// Reconstruct repopulates the cache from every bucket dated today or later.
// Records still within their lifetime are marked valid for their remaining
// time. Unparsable records are logged and skipped, and a bucket that cannot
// be read is reported in the result without stopping the scan.
func (c *Cache) Reconstruct(ctx context.Context, source BucketSource) (*ReconstructResult, error) {
	start := c.now()
	result := &ReconstructResult{}
	today := pastecache.DateOf(start)

	dates, err := source.ListBuckets()
	if err != nil {
		return nil, fmt.Errorf("listing buckets for reconstruction: %w", err)
	}

	for _, date := range dates {
		if date.Before(today) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		records, bad, err := source.ReadBucket(ctx, date)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read bucket %s: %v", date, err))
			c.logger.Error("failed to read bucket during reconstruction", "bucket", date.String(), "error", err)
			continue
		}
		result.Buckets++

		for _, ie := range bad {
			result.Malformed++
			c.logger.Warn("skipping unparsable ledger record",
				"bucket", date.String(),
				"line", ie.Line,
				"raw", ie.Raw,
				"error", ie.Err,
			)
		}

		now := c.now()
		for _, record := range records {
			remaining := record.RemainingTimeToExpiry(now)
			if remaining <= 0 {
				result.Expired++
				continue
			}
			c.MarkValid(record.Key, remaining)
			result.Restored++
		}
	}

	result.Duration = c.now().Sub(start)
	telemetry.RecordReconstruct(ctx, result.Restored, result.Expired, result.Malformed, result.Duration)

	c.logger.Info("expiry cache reconstructed",
		"buckets", result.Buckets,
		"restored", result.Restored,
		"expired", result.Expired,
		"malformed", result.Malformed,
		"duration", result.Duration,
	)
	return result, nil
}
