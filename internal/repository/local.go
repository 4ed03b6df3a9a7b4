package repository

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// Local is a repository backed by a plain directory on the local
// filesystem — the simplest of pgBackRest's repository kinds, and the
// default driver used by tests and single-host restores.
type Local struct {
	Root string
}

// NewLocal returns a Local repository rooted at root.
func NewLocal(root string) *Local { return &Local{Root: root} }

func (l *Local) abs(path string) string { return filepath.Join(l.Root, filepath.FromSlash(path)) }

// Read implements Repository.
func (l *Local) Read(path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("repository: seek %s: %w", path, err)
		}
	}
	if length <= 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

// Exists implements Repository.
func (l *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(l.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List implements Repository.
func (l *Local) List(path string, pattern string) ([]string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("repository: bad pattern %q: %w", pattern, err)
		}
	}
	entries, err := os.ReadDir(l.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: list %s: %w", path, err)
	}
	var out []string
	for _, e := range entries {
		if re != nil && !re.MatchString(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
