// Package compress routes a manifest-declared compression kind to a
// streaming decompressor. Only decoding is needed: the restore core only
// ever reads bytes the backup command already compressed (spec §6).
package compress

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind names a compression algorithm as carried by the manifest.
type Kind string

const (
	None Kind = "none"
	Gzip Kind = "gzip"
	LZ4  Kind = "lz4"
	Zstd Kind = "zstd"
	Bz2  Kind = "bz2"
)

// NewDecompressor wraps r with a streaming decoder for kind.
func NewDecompressor(kind Kind, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: gzip: %w", err)
		}
		return zr, nil
	case Bz2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd: %w", err)
		}
		return zstdReadCloser{zr}, nil
	default:
		return nil, fmt.Errorf("compress: unknown kind %q", kind)
	}
}

// zstdReadCloser adapts *zstd.Decoder (whose Close returns no error) to
// io.ReadCloser.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// DecodeAll decompresses all of data in one call, for small whole-file
// reads where streaming would be overkill.
func DecodeAll(kind Kind, data []byte) ([]byte, error) {
	r, err := NewDecompressor(kind, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
