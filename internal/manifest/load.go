package manifest

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vbp1/pgrestore/internal/rerror"
)

// wire* types are the on-disk shape: plain strings for user/group rather
// than pool Refs, since a Ref is only meaningful relative to the Manifest
// that produced it. Load interns strings into a fresh pool; Save resolves
// them back out. The manifest's own byte-for-byte wire format is out of
// scope per spec §1 ("consumed through abstract interface") — this is one
// concrete, yaml-based realization of that interface.
type wireManifest struct {
	Targets  []wireTarget  `yaml:"targets"`
	Paths    []wirePath    `yaml:"paths"`
	Links    []wireLink    `yaml:"links"`
	Files    []wireFile    `yaml:"files"`
	Dbs      []Db          `yaml:"dbs"`
	Metadata Metadata      `yaml:"metadata"`
}

type wireTarget struct {
	Name           string     `yaml:"name"`
	Type           TargetType `yaml:"type"`
	Path           string     `yaml:"path"`
	File           string     `yaml:"file,omitempty"`
	TablespaceID   uint32     `yaml:"tablespace_id,omitempty"`
	TablespaceName string     `yaml:"tablespace_name,omitempty"`
}

type wirePath struct {
	Name  string `yaml:"name"`
	User  string `yaml:"user"`
	Group string `yaml:"group"`
	Mode  uint32 `yaml:"mode"`
}

type wireLink struct {
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
	User        string `yaml:"user"`
	Group       string `yaml:"group"`
}

type wireFile struct {
	Name              string     `yaml:"name"`
	Size              int64      `yaml:"size"`
	Mode              uint32     `yaml:"mode"`
	User              string     `yaml:"user"`
	Group             string     `yaml:"group"`
	Timestamp         int64      `yaml:"timestamp"`
	ChecksumSHA1      string     `yaml:"checksum_sha1"`
	Reference         string     `yaml:"reference,omitempty"`
	Bundle            *BundleInfo `yaml:"bundle,omitempty"`
	BlockMap          []BlockRef `yaml:"block_map,omitempty"`
	BlockSize         int64      `yaml:"block_size,omitempty"`
	PageChecksumError bool       `yaml:"page_checksum_error,omitempty"`
}

// Load parses a manifest document from r.
func Load(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, rerror.Wrap(rerror.Format, err, "read manifest")
	}
	var w wireManifest
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, rerror.Wrap(rerror.Format, err, "parse manifest")
	}

	m := New()
	for _, t := range w.Targets {
		m.Targets = append(m.Targets, Target{
			Name: t.Name, Type: t.Type, Path: t.Path, File: t.File,
			TablespaceID: t.TablespaceID, TablespaceName: t.TablespaceName,
		})
	}
	for _, p := range w.Paths {
		m.Paths = append(m.Paths, PathEntry{
			Name: p.Name, User: m.Pool.Intern(p.User), Group: m.Pool.Intern(p.Group), Mode: p.Mode,
		})
	}
	for _, l := range w.Links {
		m.Links = append(m.Links, Link{
			Name: l.Name, Destination: l.Destination,
			User: m.Pool.Intern(l.User), Group: m.Pool.Intern(l.Group),
		})
	}
	for _, f := range w.Files {
		m.Files = append(m.Files, FileEntry{
			Name: f.Name, Size: f.Size, Mode: f.Mode,
			User: m.Pool.Intern(f.User), Group: m.Pool.Intern(f.Group),
			Timestamp: f.Timestamp, ChecksumSHA1: f.ChecksumSHA1,
			Reference: f.Reference, Bundle: f.Bundle,
			BlockMap: f.BlockMap, BlockSize: f.BlockSize,
			PageChecksumError: f.PageChecksumError,
		})
	}
	m.Dbs = w.Dbs
	m.Metadata = w.Metadata

	if err := validateInvariants(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFile is a convenience wrapper around Load for a path on the local
// filesystem (used for <pgdata>/backup.manifest on restart detection).
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rerror.Wrap(rerror.FileMissing, err, "open manifest %s", path)
	}
	defer f.Close()
	return Load(f)
}

// Save writes m to w in the same wire format Load consumes.
func Save(w io.Writer, m *Manifest) error {
	doc := wireManifest{Dbs: m.Dbs, Metadata: m.Metadata}
	for _, t := range m.Targets {
		doc.Targets = append(doc.Targets, wireTarget{
			Name: t.Name, Type: t.Type, Path: t.Path, File: t.File,
			TablespaceID: t.TablespaceID, TablespaceName: t.TablespaceName,
		})
	}
	for _, p := range m.Paths {
		doc.Paths = append(doc.Paths, wirePath{
			Name: p.Name, User: m.UserName(p.User), Group: m.GroupName(p.Group), Mode: p.Mode,
		})
	}
	for _, l := range m.Links {
		doc.Links = append(doc.Links, wireLink{
			Name: l.Name, Destination: l.Destination,
			User: m.UserName(l.User), Group: m.GroupName(l.Group),
		})
	}
	for _, f := range m.Files {
		doc.Files = append(doc.Files, wireFile{
			Name: f.Name, Size: f.Size, Mode: f.Mode,
			User: m.UserName(f.User), Group: m.GroupName(f.Group),
			Timestamp: f.Timestamp, ChecksumSHA1: f.ChecksumSHA1,
			Reference: f.Reference, Bundle: f.Bundle,
			BlockMap: f.BlockMap, BlockSize: f.BlockSize,
			PageChecksumError: f.PageChecksumError,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return enc.Close()
}

// SaveFile writes m to path, creating/truncating it.
func SaveFile(path string, m *Manifest) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return Save(f, m)
}

// validateInvariants checks the structural invariants from spec §3 that
// are cheap to verify at load time: every file name is prefixed by a path
// target or points at a file-link target. Block map totals are not checked
// against the file size.
func validateInvariants(m *Manifest) error {
	pathTargets := make([]Target, 0, len(m.Targets))
	fileLinkNames := make(map[string]bool)
	for _, t := range m.Targets {
		// A tablespace's mount point is a symlink, but its contents are a
		// directory tree addressed by the same name-prefix convention as a
		// path target, so it is a file-namespace root too.
		if t.Type == TargetPath || t.IsTablespace() {
			pathTargets = append(pathTargets, t)
		}
		if t.Type == TargetLink && !t.IsTablespace() && t.File != "" {
			fileLinkNames[t.Name] = true
		}
	}

	for _, f := range m.Files {
		if !fileBelongsToTarget(f.Name, pathTargets, fileLinkNames) {
			return rerror.New(rerror.Format, "file %q matches no path target or file-link target", f.Name)
		}
		if len(f.BlockMap) > 0 {
			var sum int64
			for _, b := range f.BlockMap {
				sum += b.Size
			}
			// Block sizes in the map describe compressed super-block
			// extents which may repeat across blocks sharing one
			// super-block, so their sum is not compared with the file
			// size here.
			_ = sum
		}
	}
	return nil
}

func fileBelongsToTarget(name string, pathTargets []Target, fileLinkNames map[string]bool) bool {
	best := false
	for _, t := range pathTargets {
		if hasPathPrefix(name, t.Name) {
			best = true
			break
		}
	}
	if best {
		return true
	}
	for ln := range fileLinkNames {
		if name == ln {
			return true
		}
	}
	return false
}

func hasPathPrefix(name, prefix string) bool {
	if name == prefix {
		return true
	}
	return len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(prefix)] == '/'
}
