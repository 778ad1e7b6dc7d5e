package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormat(t *testing.T) {
	a := New(&fakeLister{}, testConfig())

	id, err := a.Generate(context.Background())
	require.NoError(t, err)
	require.Len(t, id, 4)
	for _, c := range id {
		require.True(t, strings.ContainsRune(Alphabet, c), "unexpected symbol %q", c)
	}
	require.True(t, a.Contains(id))
}

func TestGenerateConcurrentUnique(t *testing.T) {
	a := New(&fakeLister{}, testConfig())
	ctx := context.Background()

	const n = 2000
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := a.Generate(ctx)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate identifier %s", id)
		seen[id] = struct{}{}
	}
}

func TestGenerateSkipsPresentIdentifiers(t *testing.T) {
	lister := &fakeLister{keys: []string{"0000"}}
	// First candidate collides with an existing blob, second is free.
	seq := []int{0, 0, 0, 0, 1, 1, 1, 1}
	var pos int
	a := New(lister, testConfig(), WithRand(func(n int) int {
		v := seq[pos%len(seq)]
		pos++
		return v
	}))

	_, err := a.Rebuild(context.Background())
	require.NoError(t, err)

	id, err := a.Generate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1111", id)
}

func TestGenerateSkipsExcludedIdentifiers(t *testing.T) {
	cfg := testConfig()
	cfg.IDLength = 5
	// "stats" first, then "11111".
	seq := []int{54, 55, 36, 55, 54, 1, 1, 1, 1, 1}
	var pos int
	a := New(&fakeLister{}, cfg, WithExcluded("stats", "health"), WithRand(func(n int) int {
		v := seq[pos%len(seq)]
		pos++
		return v
	}))
	ctx := context.Background()

	id, err := a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, "11111", id)
	require.False(t, a.Contains("stats"))

	// Exclusions survive a rebuild.
	_, err = a.Rebuild(ctx)
	require.NoError(t, err)
	pos = 0
	id, err = a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, "11111", id)
}

func TestGenerateWidensThenExhausts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	cfg.MaxLength = 5
	a := New(&fakeLister{}, cfg, WithRand(func(int) int { return 0 }))
	ctx := context.Background()

	id, err := a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, "0000", id)

	id, err = a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, "00000", id)
	require.Equal(t, 5, a.Stats().IDLength)

	_, err = a.Generate(ctx)
	require.ErrorIs(t, err, ErrAllocatorExhausted)
}

func TestRebuildNoFalseNegatives(t *testing.T) {
	keys := make([]string, 500)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%03d", i)
	}
	a := New(&fakeLister{keys: keys}, testConfig())

	n, err := a.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(keys), n)

	for _, key := range keys {
		require.True(t, a.Contains(key), key)
	}

	stats := a.Stats()
	require.Equal(t, uint(500), stats.Reserved)
	require.Equal(t, int64(1), stats.Rebuilds)
	require.False(t, stats.LastRebuild.IsZero())
}

func TestRebuildDiscardsStaleMembers(t *testing.T) {
	lister := &fakeLister{}
	a := New(lister, testConfig())
	ctx := context.Background()

	id, err := a.Generate(ctx)
	require.NoError(t, err)
	require.True(t, a.Contains(id))

	// Identifier never made it to blob storage
	_, err = a.Rebuild(ctx)
	require.NoError(t, err)
	require.False(t, a.Contains(id))
}

func TestRebuildResetsLength(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	a := New(&fakeLister{}, cfg, WithRand(func(int) int { return 0 }))
	ctx := context.Background()

	_, err := a.Generate(ctx)
	require.NoError(t, err)
	_, err = a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, a.Stats().IDLength)

	_, err = a.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, a.Stats().IDLength)
}

func TestRebuildListErrorKeepsFilter(t *testing.T) {
	lister := &fakeLister{}
	a := New(lister, testConfig())
	ctx := context.Background()

	id, err := a.Generate(ctx)
	require.NoError(t, err)

	lister.err = errors.New("disk unavailable")
	_, err = a.Rebuild(ctx)
	require.Error(t, err)
	require.True(t, a.Contains(id))
}

func TestRebuildSkipsNestedKeys(t *testing.T) {
	a := New(&fakeLister{keys: []string{"abcd", "dir/file"}}, testConfig())

	n, err := a.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, a.Contains("abcd"))
}

func TestRebuildSharedConcurrent(t *testing.T) {
	lister := &fakeLister{keys: []string{"abcd", "efgh"}}
	a := New(lister, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := a.RebuildShared(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 2, n)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, lister.calls.Load(), int64(20))
	require.True(t, a.Contains("abcd"))
}

func TestGenerateDuringRebuild(t *testing.T) {
	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("b%03d", i)
	}
	a := New(&fakeLister{keys: keys}, testConfig())
	ctx := context.Background()

	_, err := a.Rebuild(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make(chan string, 400)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := a.Rebuild(ctx)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id, err := a.Generate(ctx)
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	for _, key := range keys {
		require.True(t, a.Contains(key))
	}
	for id := range ids {
		require.NotContains(t, keys, id)
	}
}

func TestRecordWrite(t *testing.T) {
	cfg := testConfig()
	cfg.RebuildEvery = 3
	a := New(&fakeLister{}, cfg)

	var flagged []int
	for i := 1; i <= 9; i++ {
		if a.RecordWrite() {
			flagged = append(flagged, i)
		}
	}
	require.Equal(t, []int{3, 6, 9}, flagged)
	require.Equal(t, int64(9), a.Stats().Writes)

	cfg.RebuildEvery = 0
	disabled := New(&fakeLister{}, cfg)
	for i := 0; i < 10; i++ {
		require.False(t, disabled.RecordWrite())
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	a := New(&fakeLister{}, Config{ExpectedItems: 100})
	require.Equal(t, 4, a.config.IDLength)
	require.Equal(t, 8, a.config.MaxLength)
	require.Equal(t, 64, a.config.MaxAttempts)
	require.Equal(t, 0.01, a.config.FalsePositiveRate)
}

// Helper functions

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ExpectedItems = 10_000
	return cfg
}

type fakeLister struct {
	keys  []string
	err   error
	calls atomic.Int64
}

func (f *fakeLister) List(ctx context.Context, prefix string) ([]string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.keys...), nil
}
