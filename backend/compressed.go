package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Compressed wraps a Backend and stores blobs zstd-compressed at rest.
// Pastes are small, so whole blobs are encoded and decoded in memory.
type Compressed struct {
	backend Backend
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressed creates a compressing wrapper around b.
func NewCompressed(b Backend) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Compressed{backend: b, encoder: enc, decoder: dec}, nil
}

// Write compresses the content and stores it at key.
func (c *Compressed) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return c.backend.Write(ctx, key, bytes.NewReader(compressed))
}

// Read returns the decompressed content stored at key. Blobs that do not
// start with a zstd frame were stored uncompressed and are returned as is.
func (c *Compressed) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading compressed data: %w", err)
	}

	if !bytes.HasPrefix(compressed, zstdMagic) {
		return io.NopCloser(bytes.NewReader(compressed)), nil
	}

	data, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Compressed) Delete(ctx context.Context, key string) (bool, error) {
	return c.backend.Delete(ctx, key)
}

func (c *Compressed) Exists(ctx context.Context, key string) (bool, error) {
	return c.backend.Exists(ctx, key)
}

func (c *Compressed) List(ctx context.Context, prefix string) ([]string, error) {
	return c.backend.List(ctx, prefix)
}

// Close releases the encoder and decoder resources.
func (c *Compressed) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}

var _ Backend = (*Compressed)(nil)
