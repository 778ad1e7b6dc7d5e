// Package pastecache holds the types shared by the paste lifecycle packages:
// the deletion record written to the ledger, calendar bucket dates and
// content hashes.
package pastecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultExpiry is the paste lifetime used when an upload does not ask for one.
const DefaultExpiry uint64 = 604_800 // one week

// CreatedTimeLayout is the RFC 2822 layout used for Record.CreatedTime.
const CreatedTimeLayout = time.RFC1123Z

// createdTimeLayoutShortDay accepts RFC 2822 timestamps written without a
// zero-padded day of month.
const createdTimeLayoutShortDay = "Mon, 2 Jan 2006 15:04:05 -0700"

const secondsPerDay = 86_400

// ErrInvalidRecord is returned when a serialized record cannot be decoded.
var ErrInvalidRecord = errors.New("invalid record")

// Record schedules the deletion of one paste. It is written once to a
// single ledger bucket and never mutated.
type Record struct {
	Expiry      uint64 `json:"expiry"`
	Key         string `json:"key"`
	CreatedTime string `json:"created_time"`
}

// NewRecord creates a record for key created at now that lives for expiry seconds.
func NewRecord(key string, expiry uint64, now time.Time) Record {
	return Record{
		Expiry:      expiry,
		Key:         key,
		CreatedTime: now.Format(CreatedTimeLayout),
	}
}

// Created parses the record creation timestamp.
func (r Record) Created() (time.Time, error) {
	t, err := time.Parse(CreatedTimeLayout, r.CreatedTime)
	if err == nil {
		return t, nil
	}
	t, err2 := time.Parse(createdTimeLayoutShortDay, r.CreatedTime)
	if err2 == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parsing created_time %q: %w", r.CreatedTime, err)
}

// ExpiresAt returns the instant the record stops being valid.
func (r Record) ExpiresAt() (time.Time, error) {
	created, err := r.Created()
	if err != nil {
		return time.Time{}, err
	}
	return created.Add(time.Duration(r.Expiry) * time.Second), nil
}

// RemainingTimeToExpiry returns how long the record stays valid after now.
// It never goes negative. An unparsable creation time counts as expired.
func (r Record) RemainingTimeToExpiry(now time.Time) time.Duration {
	expiresAt, err := r.ExpiresAt()
	if err != nil {
		return 0
	}
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsKeyExpired reports whether the record deadline has passed at now.
func (r Record) IsKeyExpired(now time.Time) bool {
	return r.RemainingTimeToExpiry(now) == 0
}

// Encode serializes the record as a single JSON line without the trailing newline.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", r.Key, err)
	}
	return data, nil
}

// DecodeRecord parses one serialized record line.
func DecodeRecord(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Key == "" {
		return Record{}, fmt.Errorf("%w: missing key", ErrInvalidRecord)
	}
	if _, err := r.Created(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return r, nil
}

// Date is a UTC calendar day identifying a ledger bucket.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateLayout is the ISO layout of bucket dates.
const DateLayout = "2006-01-02"

// DateOf returns the UTC calendar day containing t.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD bucket date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing bucket date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format(DateLayout)
}

// Time returns midnight UTC at the start of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d == Date{}
}

// BucketDate returns the ledger bucket for a paste uploaded at now that
// expires after expirySeconds: now plus the expiry rounded up to whole days.
// Negative values address past buckets.
func BucketDate(now time.Time, expirySeconds int64) Date {
	days := int(math.Ceil(float64(expirySeconds) / secondsPerDay))
	return DateOf(now.UTC().AddDate(0, 0, days))
}
