// Package manifest models the backup manifest: the declarative inventory
// of targets, paths, links, files and databases that a restore reconstructs
// (spec §3), plus the projection operations that remap it onto a concrete
// local filesystem layout (spec §4.D).
package manifest

// TargetType distinguishes a directory target from a symlink target.
type TargetType string

const (
	TargetPath TargetType = "path"
	TargetLink TargetType = "link"
)

// Target describes one entry of the manifest's target inventory: either a
// directory somewhere under pg_data, or a symlink (tablespace or
// user-requested link).
type Target struct {
	Name            string // e.g. "pg_data", "pg_data/pg_wal", "pg_tblspc/16384"
	Type            TargetType
	Path            string // destination path for a link target; directory path for a path target
	File            string // set when this link target points at a single file, not a directory
	TablespaceID    uint32 // 0 when not a tablespace target
	TablespaceName  string
}

// IsTablespace reports whether this target represents a tablespace symlink.
func (t Target) IsTablespace() bool { return t.TablespaceID != 0 }

// PathEntry describes a plain directory inside a path target, with its
// declared ownership and mode.
type PathEntry struct {
	Name  string
	User  Ref
	Group Ref
	Mode  uint32
}

// Link describes a symlink entry distinct from the target-level tablespace
// links: named links the user may remap via --link-map.
type Link struct {
	Name        string
	Destination string
	User        Ref
	Group       Ref
}

// BlockRef is one entry of a file's block map: a pointer at a super-block
// within a repository object.
type BlockRef struct {
	Reference string // backup id this block was copied from
	BundleID  int64
	Offset    int64 // byte offset of the super-block within the bundle/repo object
	Size      int64 // compressed size of the super-block containing this block
	BlockNo   int   // position of this block within its decoded super-block
	Checksum  string // per-block fingerprint, compared against a computed delta hash list
}

// BundleInfo locates a whole small file inside a bundle (used by the
// file restorer's whole-file copy path when the file has no block map).
type BundleInfo struct {
	ID     int64
	Offset int64
	Size   int64 // compressed size on the wire
}

// FileEntry describes one file the backup captured.
type FileEntry struct {
	Name      string
	Size      int64
	Mode      uint32
	User      Ref
	Group     Ref
	Timestamp int64 // unix seconds, mtime to restore
	ChecksumSHA1 string

	Reference string // prior backup label this file is unchanged from, if any

	Bundle *BundleInfo // set when the file is stored whole inside a bundle

	BlockMap  []BlockRef // set when the file is large enough to be block-incremental
	BlockSize int64      // block size used for BlockMap/BlockHash, 0 if BlockMap is empty

	PageChecksumError bool // backup-time page checksum validation failure, surfaced but not re-validated here
}

// Db describes one database captured by the backup, used for selective
// restore (spec §4.C.5).
type Db struct {
	ID           uint32
	Name         string
	LastSystemID uint32
}

// Metadata carries backup-wide, non-repeated fields.
type Metadata struct {
	BackupLabel              string
	PGVersion                string
	BackupTimestampCopyStart int64
	CipherSubPass            string // empty when the repository is unencrypted

	// Cipher and Compress name the algorithms every file and bundle in
	// this backup was encoded with (internal/cipher.Kind and
	// internal/compress.Kind's underlying strings) — kept as plain
	// strings here so package manifest has no dependency on either.
	Cipher   string
	Compress string
}

// Manifest is the full, immutable-once-loaded inventory described by
// spec §3. All User/Group fields elsewhere in this package are Refs into
// Pool.
type Manifest struct {
	Pool *StringPool

	Targets []Target
	Paths   []PathEntry
	Links   []Link
	Files   []FileEntry
	Dbs     []Db

	Metadata Metadata
}

// New returns an empty Manifest with an initialized string pool.
func New() *Manifest {
	return &Manifest{Pool: NewStringPool()}
}

// UserName resolves a User ref to its string name.
func (m *Manifest) UserName(r Ref) string { return m.Pool.Get(r) }

// GroupName resolves a Group ref to its string name.
func (m *Manifest) GroupName(r Ref) string { return m.Pool.Get(r) }

// TargetByName returns the target with the given name, if present.
func (m *Manifest) TargetByName(name string) (Target, bool) {
	for _, t := range m.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// BaseTarget returns the pg_data base target, which spec §3 guarantees
// always exists.
func (m *Manifest) BaseTarget() Target {
	t, ok := m.TargetByName("pg_data")
	if !ok {
		panic("manifest: pg_data base target missing — invariant violated")
	}
	return t
}
