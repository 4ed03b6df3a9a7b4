package cipher

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// cbcReader streams AES-CBC decryption with PKCS7 unpadding. CBC is a
// block mode, not a stream cipher, so the reader must hold back the final
// ciphertext block until it observes EOF from the underlying reader —
// only then can it strip padding correctly.
type cbcReader struct {
	mode      cipher.BlockMode
	blockSize int
	src       io.Reader

	pending []byte // undecrypted bytes read from src; the last whole block is always kept here until EOF
	out     []byte // decrypted bytes ready to hand to the caller
	srcEOF  bool
	err     error
}

func newCBCReader(block cipher.Block, iv []byte, src io.Reader) *cbcReader {
	return &cbcReader{
		mode:      cipher.NewCBCDecrypter(block, iv),
		blockSize: block.BlockSize(),
		src:       src,
	}
}

func (c *cbcReader) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if err := c.fill(); err != nil {
			c.err = err
			if len(c.out) == 0 {
				return 0, err
			}
		}
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

// fill reads more ciphertext, decrypts whole blocks (holding back the
// last one), and on EOF decrypts+unpads the held-back final block.
func (c *cbcReader) fill() error {
	buf := make([]byte, 32*1024)
	n, err := c.src.Read(buf)
	if n > 0 {
		c.pending = append(c.pending, buf[:n]...)
	}
	if err != nil && err != io.EOF {
		return err
	}
	if err == io.EOF {
		c.srcEOF = true
	}

	available := len(c.pending)
	wholeBlocks := available / c.blockSize
	if c.srcEOF {
		// all pending bytes must decrypt including the final block
		if available == 0 {
			return io.EOF
		}
		if available%c.blockSize != 0 {
			return fmt.Errorf("cipher: ciphertext not a multiple of block size")
		}
		if wholeBlocks > 0 {
			plain := make([]byte, available)
			c.mode.CryptBlocks(plain, c.pending)
			c.pending = nil
			unpadded, err := pkcs7Unpad(plain, c.blockSize)
			if err != nil {
				return err
			}
			c.out = append(c.out, unpadded...)
		}
		return io.EOF
	}

	// keep at least one full block held back so we never decrypt what
	// might turn out to be the final (padded) block prematurely.
	if wholeBlocks > 1 {
		decryptN := (wholeBlocks - 1) * c.blockSize
		plain := make([]byte, decryptN)
		c.mode.CryptBlocks(plain, c.pending[:decryptN])
		c.out = append(c.out, plain...)
		c.pending = c.pending[decryptN:]
	}
	return nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("cipher: invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("cipher: invalid PKCS7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
