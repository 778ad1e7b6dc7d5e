package sweep

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJournalHistoryNewestFirst(t *testing.T) {
	j := newTestJournal(t)

	base := time.Date(2021, 7, 10, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(&Result{
			Trigger:      TriggerSchedule,
			StartedAt:    base.AddDate(0, 0, i),
			BucketsSwept: i,
		}))
	}

	history, err := j.History(0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 2, history[0].BucketsSwept)
	require.Equal(t, 0, history[2].BucketsSwept)
	require.True(t, history[0].StartedAt.Equal(base.AddDate(0, 0, 2)))

	limited, err := j.History(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	last, err := j.Last()
	require.NoError(t, err)
	require.Equal(t, 2, last.BucketsSwept)
}

func TestJournalEmpty(t *testing.T) {
	j := newTestJournal(t)

	last, err := j.Last()
	require.NoError(t, err)
	require.Nil(t, last)

	history, err := j.History(10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestJournalKeepsLimit(t *testing.T) {
	j := newTestJournal(t, WithKeep(3))

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Record(&Result{Trigger: TriggerManual, Records: i}))
	}

	history, err := j.History(0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 9, history[0].Records)
	require.Equal(t, 7, history[2].Records)
}

func TestJournalRoundTripsErrors(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Record(&Result{
		Trigger: TriggerStartup,
		AsOf:    "2021-07-09",
		Errors:  []string{"sweep 2021-07-09: ledger integrity error"},
	}))

	last, err := j.Last()
	require.NoError(t, err)
	require.Equal(t, TriggerStartup, last.Trigger)
	require.Equal(t, "2021-07-09", last.AsOf)
	require.Equal(t, []string{"sweep 2021-07-09: ledger integrity error"}, last.Errors)
}

func newTestJournal(t *testing.T, opts ...JournalOption) *Journal {
	t.Helper()
	opts = append([]JournalOption{WithNoSync(true)}, opts...)
	j, err := OpenJournal(filepath.Join(t.TempDir(), "sweep.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}
