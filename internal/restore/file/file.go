// Package file implements the per-file restore worker (spec §4.B): given
// one manifest FileEntry, decide the cheapest way to reproduce it locally
// and do so via a temp-sibling-then-rename write.
package file

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vbp1/pgrestore/internal/cipher"
	"github.com/vbp1/pgrestore/internal/compress"
	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/repository"
	"github.com/vbp1/pgrestore/internal/rerror"
	"github.com/vbp1/pgrestore/internal/restore/plan"
	"github.com/vbp1/pgrestore/internal/restoreenv"
)

// Decision names which of the six fast paths a Restore call took, for
// progress reporting (spec §4.F wants decision per file in its log line).
type Decision string

const (
	DecisionZeroed       Decision = "zeroed"
	DecisionSkipMatch    Decision = "skip_match"
	DecisionSkipChecksum Decision = "skip_checksum"
	DecisionZeroLength   Decision = "zero_length"
	DecisionBlockRestore Decision = "block_restore"
	DecisionWholeFile    Decision = "whole_file"
)

// Result reports what a Restore call did.
type Result struct {
	Decision     Decision
	BytesWritten int64
}

// Options controls how one file is restored.
type Options struct {
	Delta bool // compare against the local copy before fetching anything
	Zero  bool // selective restore: write a zero-filled placeholder, fetch nothing
}

// Restorer applies manifest FileEntries to the local filesystem, pulling
// bytes from repo on demand.
type Restorer struct {
	Repo       repository.Repository
	Cipher     cipher.Kind
	CipherPass string
	Compress   compress.Kind

	// Manifest resolves a FileEntry's User/Group refs to names; required
	// for ownership finalization.
	Manifest *manifest.Manifest
	// Env drives whether ownership is applied (root restores chown,
	// non-root restores never attempt to and rely on the projector
	// having already normalized ownership to the running user).
	Env *restoreenv.Env

	// BundlePath maps a bundle id to its repository path. Defaults to the
	// pgBackRest-style "bundle/<id>" layout when nil.
	BundlePath func(bundleID int64) string
}

// finalize applies mode, mtime and (when running as root) ownership to a
// freshly written file, after which it reports the decision made.
func (r *Restorer) finalize(localPath string, entry manifest.FileEntry, decision Decision) (Result, error) {
	if entry.Mode != 0 {
		if err := os.Chmod(localPath, os.FileMode(entry.Mode)); err != nil {
			return Result{}, rerror.Wrap(rerror.FileOwner, err, "chmod %s", localPath)
		}
	}
	mtime := time.Unix(entry.Timestamp, 0)
	if err := os.Chtimes(localPath, mtime, mtime); err != nil {
		return Result{}, fmt.Errorf("file: set mtime %s: %w", localPath, err)
	}
	if r.Env != nil && r.Env.IsRoot && r.Manifest != nil {
		uid, uok := r.Env.LookupUser(r.Manifest.UserName(entry.User))
		gid, gok := r.Env.LookupGroup(r.Manifest.GroupName(entry.Group))
		if uok && gok {
			if err := os.Chown(localPath, uid, gid); err != nil {
				return Result{}, rerror.Wrap(rerror.FileOwner, err, "chown %s", localPath)
			}
		}
	}
	return Result{Decision: decision}, nil
}

func (r *Restorer) bundlePath(id int64) string {
	if r.BundlePath != nil {
		return r.BundlePath(id)
	}
	return fmt.Sprintf("bundle/%d", id)
}

// Restore reproduces entry at localPath, in the order of spec §4.B's six
// decisions.
func (r *Restorer) Restore(localPath string, entry manifest.FileEntry, opts Options) (Result, error) {
	info, statErr := os.Stat(localPath)
	localExists := statErr == nil

	if opts.Zero {
		if err := r.writeZeroed(localPath, entry); err != nil {
			return Result{}, err
		}
		return r.finalize(localPath, entry, DecisionZeroed)
	}

	if opts.Delta && localExists {
		if info.Size() == entry.Size && info.ModTime().Unix() == entry.Timestamp {
			return Result{Decision: DecisionSkipMatch}, nil
		}
		if info.Size() == entry.Size && entry.ChecksumSHA1 != "" {
			match, err := localChecksumMatches(localPath, entry.ChecksumSHA1)
			if err != nil {
				return Result{}, err
			}
			if match {
				mtime := time.Unix(entry.Timestamp, 0)
				if err := os.Chtimes(localPath, mtime, mtime); err != nil {
					return Result{}, fmt.Errorf("file: touch %s: %w", localPath, err)
				}
				return Result{Decision: DecisionSkipChecksum}, nil
			}
		}
	}

	if entry.Size == 0 {
		if err := r.writeEmpty(localPath); err != nil {
			return Result{}, err
		}
		return r.finalize(localPath, entry, DecisionZeroLength)
	}

	if len(entry.BlockMap) > 0 {
		n, err := r.restoreBlocks(localPath, entry, opts)
		if err != nil {
			return Result{}, err
		}
		res, err := r.finalize(localPath, entry, DecisionBlockRestore)
		res.BytesWritten = n
		return res, err
	}

	n, err := r.restoreWholeFile(localPath, entry)
	if err != nil {
		return Result{}, err
	}
	res, err := r.finalize(localPath, entry, DecisionWholeFile)
	res.BytesWritten = n
	return res, err
}

func localChecksumMatches(path, want string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("file: open %s: %w", path, err)
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("file: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)) == want, nil
}

func tempSibling(localPath string) string {
	return localPath + ".pgrestore.tmp"
}

func (r *Restorer) writeEmpty(localPath string) error {
	tmp := tempSibling(localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("file: mkdir %s: %w", filepath.Dir(localPath), err)
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return rerror.Wrap(rerror.PathOpen, err, "create %s", tmp)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return rename(tmp, localPath)
}

func (r *Restorer) writeZeroed(localPath string, entry manifest.FileEntry) error {
	tmp := tempSibling(localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("file: mkdir %s: %w", filepath.Dir(localPath), err)
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return rerror.Wrap(rerror.PathOpen, err, "create %s", tmp)
	}
	if entry.Size > 0 {
		if err := f.Truncate(entry.Size); err != nil {
			f.Close()
			return fmt.Errorf("file: truncate %s: %w", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return rename(tmp, localPath)
}

// restoreBlocks implements the block-restore path: existing local content
// (if any) seeds the temp copy so unchanged blocks survive untouched, then
// the plan's Writes are applied on top.
func (r *Restorer) restoreBlocks(localPath string, entry manifest.FileEntry, opts Options) (int64, error) {
	tmp := tempSibling(localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("file: mkdir %s: %w", filepath.Dir(localPath), err)
	}

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, rerror.Wrap(rerror.PathOpen, err, "create %s", tmp)
	}
	defer out.Close()

	var localHashes [][20]byte
	if opts.Delta {
		if src, err := os.Open(localPath); err == nil {
			if _, err := io.Copy(out, src); err != nil {
				src.Close()
				return 0, fmt.Errorf("file: seed %s from %s: %w", tmp, localPath, err)
			}
			src.Close()
			if hf, err := os.Open(localPath); err == nil {
				blockCount := len(entry.BlockMap)
				localHashes, _ = plan.LocalBlockHashes(hf, entry.BlockSize, blockCount)
				hf.Close()
			}
		}
	}
	if err := out.Truncate(entry.Size); err != nil {
		return 0, fmt.Errorf("file: truncate %s: %w", tmp, err)
	}

	p := plan.Build(entry.BlockMap, entry.BlockSize, entry.Size, localHashes, r.Cipher, r.CipherPass, r.Compress)
	cur := p.NewCursor()

	var written int64
	for {
		w, err := cur.Next(r.fetcher())
		if err != nil {
			return 0, rerror.Wrap(rerror.Format, err, "restoring %s", localPath)
		}
		if w == nil {
			break
		}
		if _, err := out.WriteAt(w.Data, w.Offset); err != nil {
			return 0, fmt.Errorf("file: write %s at %d: %w", tmp, w.Offset, err)
		}
		written += int64(len(w.Data))
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("file: fsync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if err := rename(tmp, localPath); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Restorer) restoreWholeFile(localPath string, entry manifest.FileEntry) (int64, error) {
	if entry.Bundle == nil {
		return 0, rerror.New(rerror.Format, "file %q has neither a block map nor a bundle location", entry.Name)
	}

	raw, err := r.Repo.Read(r.bundlePath(entry.Bundle.ID), entry.Bundle.Offset, entry.Bundle.Size)
	if err != nil {
		return 0, rerror.Wrap(rerror.FileMissing, err, "read bundle %d for %s", entry.Bundle.ID, entry.Name)
	}
	defer raw.Close()

	decrypted, err := cipher.NewDecryptor(r.Cipher, r.CipherPass, raw)
	if err != nil {
		return 0, rerror.Wrap(rerror.Crypto, err, "decrypt %s", entry.Name)
	}
	decoded, err := compress.NewDecompressor(r.Compress, decrypted)
	if err != nil {
		return 0, err
	}
	defer decoded.Close()

	tmp := tempSibling(localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("file: mkdir %s: %w", filepath.Dir(localPath), err)
	}
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, rerror.Wrap(rerror.PathOpen, err, "create %s", tmp)
	}

	h := sha1.New()
	n, err := io.CopyN(out, io.TeeReader(decoded, h), entry.Size)
	if err != nil && err != io.EOF {
		out.Close()
		return 0, fmt.Errorf("file: copy %s: %w", entry.Name, err)
	}
	if n != entry.Size {
		out.Close()
		return 0, rerror.New(rerror.Format, "%s: expected %d bytes, got %d", entry.Name, entry.Size, n)
	}
	if entry.ChecksumSHA1 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != entry.ChecksumSHA1 {
			out.Close()
			return 0, rerror.New(rerror.Format, "%s: checksum mismatch: expected %s, got %s", entry.Name, entry.ChecksumSHA1, got)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, fmt.Errorf("file: fsync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if err := rename(tmp, localPath); err != nil {
		return 0, err
	}
	return n, nil
}

func rename(tmp, dst string) error {
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("file: rename %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

func (r *Restorer) fetcher() plan.Fetcher {
	return func(read plan.Read) (io.ReadCloser, error) {
		return r.Repo.Read(r.bundlePath(read.BundleID), read.Offset, read.Size)
	}
}
