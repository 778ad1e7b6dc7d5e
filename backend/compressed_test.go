package backend

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressedRoundTrip(t *testing.T) {
	fs := newTestFilesystem(t)
	c, err := NewCompressed(fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	data := []byte(strings.Repeat("paste content ", 500))

	require.NoError(t, c.Write(ctx, "zip1", bytes.NewReader(data)))

	// Stored form is compressed
	raw, err := fs.Read(ctx, "zip1")
	require.NoError(t, err)
	stored, err := io.ReadAll(raw)
	require.NoError(t, err)
	_ = raw.Close()
	require.Less(t, len(stored), len(data))

	rc, err := c.Read(ctx, "zip1")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, got)
}

func TestCompressedDelegates(t *testing.T) {
	fs := newTestFilesystem(t)
	c, err := NewCompressed(fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "k1", strings.NewReader("a")))

	exists, err := c.Exists(ctx, "k1")
	require.NoError(t, err)
	require.True(t, exists)

	keys, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, keys)

	existed, err := c.Delete(ctx, "k1")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = c.Read(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompressedReadUncompressed(t *testing.T) {
	fs := newTestFilesystem(t)
	c, err := NewCompressed(fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "raw", strings.NewReader("stored before compression")))

	rc, err := c.Read(ctx, "raw")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "stored before compression", string(got))
}

func TestCompressedReadCorrupt(t *testing.T) {
	fs := newTestFilesystem(t)
	c, err := NewCompressed(fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	corrupt := append([]byte{0x28, 0xB5, 0x2F, 0xFD}, []byte("not a frame")...)
	require.NoError(t, fs.Write(ctx, "bad", bytes.NewReader(corrupt)))

	_, err = c.Read(ctx, "bad")
	require.Error(t, err)
}
