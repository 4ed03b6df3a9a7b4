package plan

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgrestore/internal/cipher"
	"github.com/vbp1/pgrestore/internal/compress"
	"github.com/vbp1/pgrestore/internal/manifest"
)

func sha1hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestBuildGroupsByReadThenSuperBlockThenBlockNo(t *testing.T) {
	blockMap := []manifest.BlockRef{
		{Reference: "obj-a", BundleID: 1, Offset: 100, Size: 40, BlockNo: 1},
		{Reference: "obj-a", BundleID: 1, Offset: 0, Size: 40, BlockNo: 0},
		{Reference: "obj-b", BundleID: 1, Offset: 0, Size: 40, BlockNo: 0},
	}

	p := Build(blockMap, 8192, 3*8192, nil, cipher.None, "", compress.None)

	require.Len(t, p.Reads, 2)
	assert.Equal(t, "obj-a", p.Reads[0].Reference)
	require.Len(t, p.Reads[0].SuperBlocks, 2)
	// super-blocks ordered by offset ascending within a Read.
	assert.Equal(t, int64(0), p.Reads[0].SuperBlocks[0].Offset)
	assert.Equal(t, int64(100), p.Reads[0].SuperBlocks[1].Offset)
	// Size spans from the first super-block's offset to the last one's
	// end (100+40-0=140), not the sum of sizes (80): bytes [40,100) are
	// another file's framing inside the same bundle object and must
	// still be fetched (and skipped) to reach the super-block at 100.
	assert.Equal(t, int64(140), p.Reads[0].Size)

	assert.Equal(t, "obj-b", p.Reads[1].Reference)
	assert.Equal(t, []int{2}, p.Reads[1].SuperBlocks[0].Blocks[0].DestBlockIdx)
}

func TestBuildCoalescesDuplicateSourceBlocks(t *testing.T) {
	blockMap := []manifest.BlockRef{
		{Reference: "obj", BundleID: 1, Offset: 0, Size: 40, BlockNo: 0},
		{Reference: "obj", BundleID: 1, Offset: 0, Size: 40, BlockNo: 0},
	}

	p := Build(blockMap, 8192, 2*8192, nil, cipher.None, "", compress.None)

	require.Len(t, p.Reads, 1)
	require.Len(t, p.Reads[0].SuperBlocks, 1)
	require.Len(t, p.Reads[0].SuperBlocks[0].Blocks, 1)
	assert.Equal(t, []int{0, 1}, p.Reads[0].SuperBlocks[0].Blocks[0].DestBlockIdx)
}

func TestBuildSkipsLocallySatisfiedBlocks(t *testing.T) {
	local := sha1.Sum([]byte("unchanged"))
	blockMap := []manifest.BlockRef{
		{Reference: "obj", BundleID: 1, Offset: 0, Size: 8192, BlockNo: 0, Checksum: hex.EncodeToString(local[:])},
		{Reference: "obj", BundleID: 1, Offset: 8192, Size: 8192, BlockNo: 1, Checksum: "deadbeef"},
	}
	hashes := [][20]byte{local}

	p := Build(blockMap, 8192, 2*8192, hashes, cipher.None, "", compress.None)

	require.Len(t, p.Reads, 1)
	require.Len(t, p.Reads[0].SuperBlocks, 1)
	assert.Equal(t, int64(8192), p.Reads[0].SuperBlocks[0].Offset)
}

func TestCursorProducesWritesInSourceOrder(t *testing.T) {
	blockSize := int64(4)
	block0 := []byte("AAAA")
	block1 := []byte("BBBB")
	plain := append(append([]byte{}, block0...), block1...)

	blockMap := []manifest.BlockRef{
		{Reference: "obj", BundleID: 1, Offset: 0, Size: int64(len(plain)), BlockNo: 0, Checksum: sha1hex(block0)},
		{Reference: "obj", BundleID: 1, Offset: 0, Size: int64(len(plain)), BlockNo: 1, Checksum: sha1hex(block1)},
	}

	p := Build(blockMap, blockSize, 2*blockSize, nil, cipher.None, "", compress.None)
	cur := p.NewCursor()

	fetch := func(r Read) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(plain)), nil
	}

	w1, err := cur.Next(fetch)
	require.NoError(t, err)
	require.NotNil(t, w1)
	assert.Equal(t, int64(0), w1.Offset)
	assert.Equal(t, block0, w1.Data)

	w2, err := cur.Next(fetch)
	require.NoError(t, err)
	require.NotNil(t, w2)
	assert.Equal(t, blockSize, w2.Offset)
	assert.Equal(t, block1, w2.Data)

	done, err := cur.Next(fetch)
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestCursorSkipsBundleFramingBetweenNonAdjacentSuperBlocks(t *testing.T) {
	blockSize := int64(4)
	block0 := []byte("AAAA")
	block1 := []byte("BBBB")
	otherFileFraming := []byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx") // 58 bytes of unrelated bundle content
	bundle := append(append(append([]byte{}, block0...), otherFileFraming...), block1...)

	blockMap := []manifest.BlockRef{
		{Reference: "obj", BundleID: 1, Offset: 0, Size: blockSize, BlockNo: 0, Checksum: sha1hex(block0)},
		{Reference: "obj", BundleID: 1, Offset: int64(len(block0) + len(otherFileFraming)), Size: blockSize, BlockNo: 0, Checksum: sha1hex(block1)},
	}

	p := Build(blockMap, blockSize, 2*blockSize, nil, cipher.None, "", compress.None)
	require.Len(t, p.Reads, 1)
	require.Equal(t, int64(len(bundle)), p.Reads[0].Size)
	cur := p.NewCursor()

	fetch := func(r Read) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(bundle[r.Offset : r.Offset+r.Size])), nil
	}

	w1, err := cur.Next(fetch)
	require.NoError(t, err)
	require.NotNil(t, w1)
	assert.Equal(t, int64(0), w1.Offset)
	assert.Equal(t, block0, w1.Data)

	w2, err := cur.Next(fetch)
	require.NoError(t, err)
	require.NotNil(t, w2)
	assert.Equal(t, blockSize, w2.Offset)
	assert.Equal(t, block1, w2.Data)
}

func TestCursorRejectsChecksumMismatch(t *testing.T) {
	blockSize := int64(4)
	plain := []byte("AAAA")
	blockMap := []manifest.BlockRef{
		{Reference: "obj", BundleID: 1, Offset: 0, Size: int64(len(plain)), BlockNo: 0, Checksum: "0000000000000000000000000000000000000000"},
	}
	p := Build(blockMap, blockSize, blockSize, nil, cipher.None, "", compress.None)
	cur := p.NewCursor()

	_, err := cur.Next(func(r Read) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(plain)), nil
	})
	require.Error(t, err)
}

func TestCursorTruncatesFinalPartialBlock(t *testing.T) {
	blockSize := int64(8)
	plain := []byte("ABCDEFGH12") // 10 bytes: one full block + 2 leftover
	blockMap := []manifest.BlockRef{
		{Reference: "obj", BundleID: 1, Offset: 0, Size: int64(len(plain)), BlockNo: 0},
		{Reference: "obj", BundleID: 1, Offset: 0, Size: int64(len(plain)), BlockNo: 1},
	}
	// total file size is 10 bytes: second block write must be truncated to 2 bytes.
	p := Build(blockMap, blockSize, 10, nil, cipher.None, "", compress.None)
	cur := p.NewCursor()

	fetch := func(r Read) (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(plain)), nil }

	w1, err := cur.Next(fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEFGH"), w1.Data)

	w2, err := cur.Next(fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("12"), w2.Data)
}

func TestLocalBlockHashesShortFile(t *testing.T) {
	r := bytes.NewReader([]byte("only-one-block"))
	hashes, err := LocalBlockHashes(r, 1024, 3)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}
