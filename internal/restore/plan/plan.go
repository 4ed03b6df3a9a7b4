// Package plan implements the block-restore planner (spec §4.A): turning
// a file's block map plus an optional local block-hash list into an
// ordered list of repository reads and local writes.
package plan

import (
	"sort"

	"github.com/vbp1/pgrestore/internal/cipher"
	"github.com/vbp1/pgrestore/internal/compress"
	"github.com/vbp1/pgrestore/internal/manifest"
)

// BlockOut names one source block to extract from a decoded super-block,
// and every destination position in the file it must be written to — more
// than one when the block map coalesces duplicate blocks (spec §4.A edge
// case: two blocks sharing (reference, bundleId, offset, blockNo)).
type BlockOut struct {
	SourceBlockNo int
	Checksum      string // expected sha1 of the source block's plaintext, "" if unverified
	DestBlockIdx  []int  // positions in the destination file, in blockMap order
}

// SuperBlock is the smallest independently decodable unit inside a bundle.
type SuperBlock struct {
	Offset int64 // byte offset of this super-block within the bundle/repo object
	Size   int64 // compressed size on the wire
	Blocks []BlockOut
}

// Read is one sequential IO over a repository object: everything this
// file still needs from one (reference, bundleId) pair, spanning however
// many super-blocks that object contains for this file.
type Read struct {
	Reference   string
	BundleID    int64
	Offset      int64 // offset of the first super-block
	Size        int64 // span from Offset to the end of the last super-block, including framing between them
	SuperBlocks []SuperBlock
}

// ReadList is an ordered list of Reads, in first-reference order.
type ReadList []Read

// Write is one local-file write the worker must perform.
type Write struct {
	Offset int64
	Data   []byte
}

// Plan is a fully built, ready-to-consume restore plan for one file.
type Plan struct {
	Reads     ReadList
	BlockSize int64
	FileSize  int64

	Cipher     cipher.Kind
	CipherPass string
	Compress   compress.Kind
}

type readKey struct {
	reference string
	bundleID  int64
}

type superKey struct {
	readKey
	offset int64
}

// Build implements the planner algorithm of spec §4.A. blockHash, when
// non-nil, is a delta hash list as produced by LocalBlockHashes: one sha1
// digest (20 bytes) per destination block, already truncated to the
// actual number of blocks in blockMap.
func Build(blockMap []manifest.BlockRef, blockSize, fileSize int64, blockHash [][20]byte, cKind cipher.Kind, cPass string, zKind compress.Kind) *Plan {
	p := &Plan{BlockSize: blockSize, FileSize: fileSize, Cipher: cKind, CipherPass: cPass, Compress: zKind}

	readIndex := make(map[readKey]int)
	superIndex := make(map[superKey]int)
	type blockKey struct {
		superKey
		blockNo int
	}
	blockOutIndex := make(map[blockKey]int)

	for i, b := range blockMap {
		if blockHash != nil && i < len(blockHash) && localSatisfied(blockHash[i], b.Checksum) {
			continue
		}

		rk := readKey{b.Reference, b.BundleID}
		ri, ok := readIndex[rk]
		if !ok {
			ri = len(p.Reads)
			p.Reads = append(p.Reads, Read{Reference: b.Reference, BundleID: b.BundleID})
			readIndex[rk] = ri
		}

		sk := superKey{rk, b.Offset}
		si, ok := superIndex[sk]
		if !ok {
			si = len(p.Reads[ri].SuperBlocks)
			p.Reads[ri].SuperBlocks = append(p.Reads[ri].SuperBlocks, SuperBlock{Offset: b.Offset, Size: b.Size})
			superIndex[sk] = si
		}
		sb := &p.Reads[ri].SuperBlocks[si]

		bk := blockKey{sk, b.BlockNo}
		bi, ok := blockOutIndex[bk]
		if !ok {
			bi = len(sb.Blocks)
			sb.Blocks = append(sb.Blocks, BlockOut{SourceBlockNo: b.BlockNo, Checksum: b.Checksum})
			blockOutIndex[bk] = bi
		}
		sb.Blocks[bi].DestBlockIdx = append(sb.Blocks[bi].DestBlockIdx, i)
	}

	finalize(p)
	return p
}

// finalize sorts super-blocks by offset and blocks by source blockNo
// (spec's ordering requirement) and computes each Read's Offset/Size.
// Size spans from the first needed super-block's offset to the last
// needed super-block's end, not merely the sum of their sizes: super-
// blocks belonging to other files in the same bundle may fall between
// them, and a single sequential Fetcher call must still land on each
// needed super-block's true byte offset (spec §4.A: "a Read.size equals
// the sum of its contained super-block compressed sizes plus any bundle
// framing" — the framing term is exactly this gap).
func finalize(p *Plan) {
	for ri := range p.Reads {
		read := &p.Reads[ri]
		sort.Slice(read.SuperBlocks, func(i, j int) bool { return read.SuperBlocks[i].Offset < read.SuperBlocks[j].Offset })
		for si := range read.SuperBlocks {
			sb := &read.SuperBlocks[si]
			sort.Slice(sb.Blocks, func(i, j int) bool { return sb.Blocks[i].SourceBlockNo < sb.Blocks[j].SourceBlockNo })
		}
		if len(read.SuperBlocks) > 0 {
			last := read.SuperBlocks[len(read.SuperBlocks)-1]
			read.Offset = read.SuperBlocks[0].Offset
			read.Size = last.Offset + last.Size - read.Offset
		}
	}
}

func localSatisfied(local [20]byte, recorded string) bool {
	if recorded == "" {
		return false
	}
	return hexEqual(local, recorded)
}
