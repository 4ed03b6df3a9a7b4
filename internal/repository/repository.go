// Package repository abstracts the content-addressed backup store the
// restore core pulls bytes from (spec §6). The core only ever calls
// Read/Exists/List; storage drivers (local POSIX, remote SSH, any future
// object-store backend) are swappable collaborators.
package repository

import "io"

// Repository is the abstract backup store.
type Repository interface {
	// Read returns a stream over [offset, offset+length) of path. length
	// <= 0 means "to end of object".
	Read(path string, offset, length int64) (io.ReadCloser, error)
	// Exists reports whether path is present in the repository.
	Exists(path string) (bool, error)
	// List returns names under path, optionally filtered by a regular
	// expression.
	List(path string, pattern string) ([]string, error)
}
