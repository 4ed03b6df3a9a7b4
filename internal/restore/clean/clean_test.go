package clean

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/rerror"
	"github.com/vbp1/pgrestore/internal/restoreenv"
)

// testEnv runs the reconciler as the current test process's own user, so
// the preflight ownership check (which only applies when not root)
// passes against temp directories the test itself created.
func testEnv() *restoreenv.Env {
	name := "test-user"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return &restoreenv.Env{
		IsRoot:      false,
		CurrentUser: name,
		LookupUser:  func(string) (int, bool) { return 0, false },
		LookupGroup: func(string) (int, bool) { return 0, false },
	}
}

func baseManifest(t *testing.T, dataDir string) *manifest.Manifest {
	t.Helper()
	m := manifest.New()
	m.Targets = []manifest.Target{{Name: "pg_data", Type: manifest.TargetPath, Path: dataDir}}
	return m
}

func TestReconcileNonDeltaRejectsNonEmptyDir(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "stray"), []byte("x"), 0o600))

	m := baseManifest(t, dataDir)
	r := New(m, testEnv(), Options{})
	err := r.Reconcile()
	require.Error(t, err)
}

func TestReconcileNonDeltaAllowsManifestSentinel(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "backup.manifest"), []byte("x"), 0o600))

	m := baseManifest(t, dataDir)
	r := New(m, testEnv(), Options{})
	require.NoError(t, r.Reconcile())
}

func TestCleanupRemovesFileNotInManifest(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "stray"), []byte("x"), 0o600))

	m := baseManifest(t, dataDir)
	r := New(m, testEnv(), Options{Delta: true})
	require.NoError(t, r.Reconcile())

	_, err := os.Stat(filepath.Join(dataDir, "stray"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupKeepsKnownFileAndFixesMode(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("16"), 0o666))

	m := baseManifest(t, dataDir)
	m.Files = []manifest.FileEntry{{Name: "pg_data/PG_VERSION", Size: 2, Mode: 0o600}}
	r := New(m, testEnv(), Options{Delta: true})
	require.NoError(t, r.Reconcile())

	info, err := os.Stat(filepath.Join(dataDir, "PG_VERSION"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCleanupRecreatesStaleSymlink(t *testing.T) {
	dataDir := t.TempDir()
	otherTarget := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "pg_tblspc"), 0o700))
	stale := filepath.Join(dataDir, "pg_tblspc", "16384")
	require.NoError(t, os.Symlink("/somewhere/else", stale))

	m := baseManifest(t, dataDir)
	m.Paths = []manifest.PathEntry{{Name: "pg_data/pg_tblspc", Mode: 0o700}}
	m.Targets = append(m.Targets, manifest.Target{
		Name: "pg_tblspc/16384", Type: manifest.TargetLink, Path: otherTarget,
		TablespaceID: 16384, TablespaceName: "ts1",
	})

	r := New(m, testEnv(), Options{Delta: true})
	require.NoError(t, r.Reconcile())

	dest, err := os.Readlink(stale)
	require.NoError(t, err)
	assert.Equal(t, otherTarget, dest)
}

// TestCleanupResolvesFileInsideTablespace guards against a tablespace
// target (Type==TargetLink, IsTablespace()==true) being excluded from the
// set of file-namespace roots: a file named under a tablespace's prefix
// must still resolve, even though the tablespace's own mount point is a
// symlink rather than a path target.
func TestCleanupResolvesFileInsideTablespace(t *testing.T) {
	dataDir := t.TempDir()
	tsDir := t.TempDir()
	versionDir := filepath.Join(tsDir, tablespaceVersionDir(""))
	require.NoError(t, os.MkdirAll(versionDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(versionDir, "PG_VERSION"), []byte("16"), 0o600))

	m := baseManifest(t, dataDir)
	m.Targets = append(m.Targets, manifest.Target{
		Name: "pg_tblspc/16384", Type: manifest.TargetLink, Path: tsDir,
		TablespaceID: 16384, TablespaceName: "ts1",
	})
	m.Files = []manifest.FileEntry{{Name: "pg_tblspc/16384/PG_VERSION", Size: 2, Mode: 0o600}}

	r := New(m, testEnv(), Options{Delta: true})
	require.NoError(t, r.Reconcile())

	info, err := os.Stat(filepath.Join(versionDir, "PG_VERSION"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreateMissingDirectoryAndLink(t *testing.T) {
	dataDir := t.TempDir()
	tsDir := t.TempDir()

	m := baseManifest(t, dataDir)
	m.Paths = []manifest.PathEntry{{Name: "pg_data/pg_wal", Mode: 0o700}}
	m.Targets = append(m.Targets, manifest.Target{
		Name: "pg_tblspc/5", Type: manifest.TargetLink, Path: tsDir, TablespaceID: 5, TablespaceName: "ts",
	})

	r := New(m, testEnv(), Options{})
	require.NoError(t, r.Reconcile())

	info, err := os.Stat(filepath.Join(dataDir, "pg_wal"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	dest, err := os.Readlink(filepath.Join(dataDir, "pg_tblspc", "5"))
	require.NoError(t, err)
	assert.Equal(t, tsDir, dest)
}

func TestSelectiveMaskMasksNonIncludedDatabaseExceptVersionFile(t *testing.T) {
	m := manifest.New()
	m.Dbs = []manifest.Db{
		{ID: 1, Name: "template1"},
		{ID: 20000, Name: "keepme"},
		{ID: 30000, Name: "dropme"},
	}
	mask, err := BuildSelectiveMask(m, []string{"keepme"})
	require.NoError(t, err)

	assert.False(t, mask.Masked("base/1/1259"))            // built-in db, never masked
	assert.False(t, mask.Masked("base/20000/1259"))        // explicitly included
	assert.True(t, mask.Masked("base/30000/1259"))         // masked
	assert.False(t, mask.Masked("base/30000/PG_VERSION"))  // sentinel always kept
}

func TestSelectiveMaskEmptyIncludeMasksNothing(t *testing.T) {
	m := manifest.New()
	m.Dbs = []manifest.Db{{ID: 30000, Name: "dropme"}}
	mask, err := BuildSelectiveMask(m, nil)
	require.NoError(t, err)
	assert.False(t, mask.Masked("base/30000/1259"))
}

func TestSelectiveMaskUnknownDbIncludeIsFatal(t *testing.T) {
	m := manifest.New()
	m.Dbs = []manifest.Db{{ID: 30000, Name: "dropme"}}
	_, err := BuildSelectiveMask(m, []string{"nosuchdb"})
	require.Error(t, err)
	assert.True(t, rerror.Is(err, rerror.DbMissing))
}

func TestSelectiveMaskBuiltinDbIncludeIsFatal(t *testing.T) {
	m := manifest.New()
	m.Dbs = []manifest.Db{{ID: 1, Name: "template1"}, {ID: 30000, Name: "dropme"}}
	_, err := BuildSelectiveMask(m, []string{"template1"})
	require.Error(t, err)
	assert.True(t, rerror.Is(err, rerror.DbInvalid))
}
