package zarr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// codec compresses and decompresses whole chunks.
type codec interface {
	encode(raw []byte) ([]byte, error)
	decode(stored []byte) ([]byte, error)
}

func newCodec(cfg *CompressorConfig) (codec, error) {
	if cfg == nil {
		return rawCodec{}, nil
	}
	switch cfg.ID {
	case "zstd":
		return newZstdCodec(cfg.Level)
	case "zlib":
		return zlibCodec{level: levelOrDefault(cfg.Level, zlib.DefaultCompression)}, nil
	case "gzip":
		return gzipCodec{level: levelOrDefault(cfg.Level, gzip.DefaultCompression)}, nil
	case "blosc":
		return nil, fmt.Errorf("blosc compression not supported")
	default:
		return nil, fmt.Errorf("unsupported compressor: %s", cfg.ID)
	}
}

func levelOrDefault(level, def int) int {
	if level == 0 {
		return def
	}
	return level
}

type rawCodec struct{}

func (rawCodec) encode(raw []byte) ([]byte, error)    { return raw, nil }
func (rawCodec) decode(stored []byte) ([]byte, error) { return stored, nil }

// zstdCodec shares one encoder and one decoder; EncodeAll and DecodeAll are
// safe for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) encode(raw []byte) ([]byte, error) {
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *zstdCodec) decode(stored []byte) ([]byte, error) {
	return c.dec.DecodeAll(stored, nil)
}

type zlibCodec struct{ level int }

func (c zlibCodec) encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCodec) decode(stored []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("failed to init zlib reader: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

type gzipCodec struct{ level int }

func (c gzipCodec) encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) decode(stored []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("failed to init gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
