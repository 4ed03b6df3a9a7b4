// Package cipher routes a manifest-declared cipher kind + sub-passphrase
// to a streaming decryptor, grounded on PlusOne-dbbackup's
// passphrase-derived-key approach (internal/encryption), adapted to
// AES-256-CBC with PKCS7 padding per spec §6.
package cipher

import (
	"crypto/aes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Kind names a cipher algorithm as carried by the manifest.
type Kind string

const (
	None      Kind = "none"
	AES256CBC Kind = "aes-256-cbc"
)

const (
	keySize          = 32 // AES-256
	saltSize         = 16
	pbkdf2Iterations = 100_000
)

// NewDecryptor wraps r with a streaming decryptor for kind, deriving the
// data key from passphrase. The first saltSize+aes.BlockSize bytes of the
// stream are consumed as the salt and IV header written by the backup
// command; the remainder is PKCS7-padded AES-256-CBC ciphertext.
func NewDecryptor(kind Kind, passphrase string, r io.Reader) (io.Reader, error) {
	switch kind {
	case None, "":
		return r, nil
	case AES256CBC:
		header := make([]byte, saltSize+aes.BlockSize)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, fmt.Errorf("cipher: read header: %w", err)
		}
		salt, iv := header[:saltSize], header[saltSize:]
		key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)

		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("cipher: %w", err)
		}
		return newCBCReader(block, iv, r), nil
	default:
		return nil, fmt.Errorf("cipher: unknown kind %q", kind)
	}
}
