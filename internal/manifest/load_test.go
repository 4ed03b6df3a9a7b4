package manifest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrips(t *testing.T) {
	m := New()
	m.Targets = []Target{
		{Name: "pg_data", Type: TargetPath, Path: "/var/lib/postgresql/data"},
		{Name: "pg_tblspc/16384", Type: TargetLink, Path: "/mnt/ts1", TablespaceID: 16384, TablespaceName: "ts1"},
	}
	m.Paths = []PathEntry{
		{Name: "pg_data", User: m.Pool.Intern("postgres"), Group: m.Pool.Intern("postgres"), Mode: 0o700},
	}
	m.Files = []FileEntry{
		{Name: "pg_data/PG_VERSION", Size: 3, Mode: 0o600, User: m.Pool.Intern("postgres"), Group: m.Pool.Intern("postgres"), Timestamp: 1700000000, ChecksumSHA1: "abc"},
		{Name: "pg_tblspc/16384/PG_VERSION", Size: 3, Mode: 0o600, Timestamp: 1700000000},
	}
	m.Metadata = Metadata{BackupLabel: "20240101-full", PGVersion: "16", Cipher: "none", Compress: "none"}

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))

	got, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.Targets, got.Targets)
	assert.Len(t, got.Files, 2)
	assert.Equal(t, "postgres", got.UserName(got.Files[0].User))
	assert.Equal(t, m.Metadata, got.Metadata)
}

func TestLoadRejectsFileWithNoOwningTarget(t *testing.T) {
	doc := []byte(`
targets:
  - name: pg_data
    type: path
    path: /data
paths: []
links: []
files:
  - name: some_other_root/stray
    size: 0
    mode: 384
    user: ""
    group: ""
    timestamp: 0
    checksum_sha1: ""
dbs: []
metadata: {}
`)
	_, err := Load(bytes.NewReader(doc))
	require.Error(t, err)
}

func TestLoadAcceptsFileInsideTablespace(t *testing.T) {
	doc := []byte(`
targets:
  - name: pg_data
    type: path
    path: /data
  - name: pg_tblspc/16384
    type: link
    path: /mnt/ts1
    tablespace_id: 16384
    tablespace_name: ts1
paths: []
links: []
files:
  - name: pg_tblspc/16384/PG_VERSION
    size: 2
    mode: 384
    user: ""
    group: ""
    timestamp: 0
    checksum_sha1: ""
dbs: []
metadata: {}
`)
	m, err := Load(bytes.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
}
