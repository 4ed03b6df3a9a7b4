package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDecompressorNoneIsPassthrough(t *testing.T) {
	r, err := NewDecompressor(None, bytes.NewReader([]byte("raw")))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(got))
}

func TestNewDecompressorGzipRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("hello gzip"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	r, err := NewDecompressor(Gzip, &buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello gzip", string(got))
}

func TestNewDecompressorLZ4RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	lw := lz4.NewWriter(&buf)
	_, err := lw.Write([]byte("hello lz4"))
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	r, err := NewDecompressor(LZ4, &buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello lz4", string(got))
}

func TestNewDecompressorZstdRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte("hello zstd"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, err := NewDecompressor(Zstd, &buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello zstd", string(got))
}

func TestDecodeAllUnknownKindErrors(t *testing.T) {
	_, err := DecodeAll(Kind("lzma"), []byte("x"))
	assert.Error(t, err)
}
