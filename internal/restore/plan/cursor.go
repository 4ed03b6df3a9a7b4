package plan

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/vbp1/pgrestore/internal/cipher"
	"github.com/vbp1/pgrestore/internal/compress"
	"github.com/vbp1/pgrestore/internal/rerror"
)

// Fetcher opens a sequential stream over exactly [read.Offset,
// read.Offset+read.Size) of the repository object a Read names. The
// returned ReadCloser is closed by the Cursor once every super-block it
// contains has been consumed.
type Fetcher func(read Read) (io.ReadCloser, error)

// Cursor is the explicit iterator state machine that drives a Plan:
// (currentRead, superBlockCursor, blockCursor, decoderState), per the
// design note against using a generator coroutine for this.
type Cursor struct {
	plan *Plan

	readIdx int
	sbIdx   int
	boIdx   int
	dstIdx  int

	stream    io.ReadCloser
	streamPos int64 // bytes already consumed from stream, relative to read.Offset
	decoded   []byte
}

// NewCursor returns a Cursor positioned before the first Write of p.
func (p *Plan) NewCursor() *Cursor { return &Cursor{plan: p} }

// Next returns the next Write to perform, or (nil, nil) once the plan is
// exhausted. fetch is consulted at most once per Read.
func (c *Cursor) Next(fetch Fetcher) (*Write, error) {
	for {
		if c.readIdx >= len(c.plan.Reads) {
			return nil, nil
		}
		read := &c.plan.Reads[c.readIdx]

		if c.sbIdx >= len(read.SuperBlocks) {
			if err := c.closeStream(); err != nil {
				return nil, err
			}
			c.readIdx++
			c.sbIdx, c.boIdx, c.dstIdx = 0, 0, 0
			continue
		}
		sb := &read.SuperBlocks[c.sbIdx]

		if c.decoded == nil {
			if c.stream == nil {
				s, err := fetch(*read)
				if err != nil {
					return nil, fmt.Errorf("plan: fetch read for %s/%d: %w", read.Reference, read.BundleID, err)
				}
				c.stream = s
				c.streamPos = 0
			}
			// Super-blocks belonging to other files may sit between this
			// Read's entries in the bundle; skip that framing before
			// decoding, since the fetched stream spans
			// [read.Offset, read.Offset+read.Size) contiguously.
			if gap := (sb.Offset - read.Offset) - c.streamPos; gap > 0 {
				if _, err := io.CopyN(io.Discard, c.stream, gap); err != nil {
					return nil, fmt.Errorf("plan: skip framing before super-block at offset %d: %w", sb.Offset, err)
				}
				c.streamPos += gap
			}
			decoded, err := decodeSuperBlock(c.stream, sb.Size, c.plan.Cipher, c.plan.CipherPass, c.plan.Compress)
			if err != nil {
				return nil, fmt.Errorf("plan: decode super-block at offset %d: %w", sb.Offset, err)
			}
			c.streamPos += sb.Size
			c.decoded = decoded
		}

		if c.boIdx >= len(sb.Blocks) {
			c.decoded = nil
			c.sbIdx++
			c.boIdx, c.dstIdx = 0, 0
			continue
		}
		bo := &sb.Blocks[c.boIdx]

		if c.dstIdx >= len(bo.DestBlockIdx) {
			c.boIdx++
			c.dstIdx = 0
			continue
		}
		destBlockIdx := bo.DestBlockIdx[c.dstIdx]
		c.dstIdx++

		buf, err := extractBlock(c.decoded, bo.SourceBlockNo, c.plan.BlockSize, bo.Checksum)
		if err != nil {
			return nil, err
		}

		writeOffset := int64(destBlockIdx) * c.plan.BlockSize
		if remaining := c.plan.FileSize - writeOffset; remaining < int64(len(buf)) {
			if remaining < 0 {
				remaining = 0
			}
			buf = buf[:remaining]
		}
		return &Write{Offset: writeOffset, Data: buf}, nil
	}
}

func (c *Cursor) closeStream() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

func extractBlock(decoded []byte, sourceBlockNo int, blockSize int64, checksum string) ([]byte, error) {
	start := int64(sourceBlockNo) * blockSize
	if start > int64(len(decoded)) {
		return nil, rerror.New(rerror.Format, "plan: source block %d starts past end of decoded super-block (%d bytes)", sourceBlockNo, len(decoded))
	}
	end := start + blockSize
	if end > int64(len(decoded)) {
		end = int64(len(decoded))
	}
	buf := make([]byte, end-start)
	copy(buf, decoded[start:end])

	if checksum != "" {
		sum := sha1.Sum(buf)
		if hex.EncodeToString(sum[:]) != checksum {
			return nil, rerror.New(rerror.Format, "plan: checksum mismatch for source block %d", sourceBlockNo)
		}
	}
	return buf, nil
}

// decodeSuperBlock reads exactly size bytes from r, decrypts, and
// decompresses them into plaintext.
func decodeSuperBlock(r io.Reader, size int64, cKind cipher.Kind, cPass string, zKind compress.Kind) ([]byte, error) {
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("short read: %w", err)
	}

	decrypted, err := cipher.NewDecryptor(cKind, cPass, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	dr, err := compress.NewDecompressor(zKind, decrypted)
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	return io.ReadAll(dr)
}
