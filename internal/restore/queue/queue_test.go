package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/rerror"
)

func testManifest() *manifest.Manifest {
	m := manifest.New()
	m.Targets = []manifest.Target{
		{Name: "pg_data", Type: manifest.TargetPath, Path: "/data"},
		{Name: "pg_tblspc/16384", Type: manifest.TargetLink, Path: "/ts1", TablespaceID: 16384, TablespaceName: "ts1"},
	}
	m.Files = []manifest.FileEntry{
		{Name: "pg_data/base/1/1259", Size: 100},
		{Name: "pg_data/base/1/2000", Size: 500},
		{Name: "pg_data/base/1/2001", Size: 500},
		{Name: "pg_data/tablespace_map", Size: 20},
		{Name: "pg_tblspc/16384/PG_16/1/3000", Size: 900},
	}
	return m
}

func TestBuildPartitionsBySizeDescendingThenNameAscending(t *testing.T) {
	set, err := Build(testManifest(), 16)
	require.NoError(t, err)
	require.Len(t, set.Partitions, 2)

	base := set.Partitions[0]
	require.Equal(t, "pg_data", base.Name)
	var names []string
	for _, j := range base.jobs {
		names = append(names, j.File.Name)
	}
	// tablespace_map omitted (pgVersion >= 12); 2000 before 2001 (tie by name)
	assert.Equal(t, []string{"pg_data/base/1/2000", "pg_data/base/1/2001", "pg_data/base/1/1259"}, names)

	ts := set.Partitions[1]
	require.Equal(t, "pg_tblspc/16384", ts.Name)
	assert.Equal(t, 1, ts.Len())
}

func TestBuildKeepsTablespaceMapBelowPGVersion12(t *testing.T) {
	set, err := Build(testManifest(), 11)
	require.NoError(t, err)
	base := set.Partitions[0]
	found := false
	for _, j := range base.jobs {
		if j.File.Name == "pg_data/tablespace_map" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPartitionPopDrainsInOrder(t *testing.T) {
	set, err := Build(testManifest(), 16)
	require.NoError(t, err)
	base := set.Partitions[0]
	total := base.Len()
	var got []string
	for i := 0; i < total; i++ {
		j, ok := base.Pop()
		require.True(t, ok)
		got = append(got, j.File.Name)
	}
	_, ok := base.Pop()
	assert.False(t, ok)
	assert.Equal(t, []string{"pg_data/base/1/2000", "pg_data/base/1/2001", "pg_data/base/1/1259"}, got)
}

func TestSetTotalSizeSumsAllPartitions(t *testing.T) {
	set, err := Build(testManifest(), 16)
	require.NoError(t, err)
	assert.Equal(t, int64(100+500+500+900), set.TotalSize)
}

func TestParseMajorVersion(t *testing.T) {
	assert.Equal(t, 16, ParseMajorVersion("16.3"))
	assert.Equal(t, 9, ParseMajorVersion("9.6.24"))
	assert.Equal(t, 0, ParseMajorVersion("bogus"))
}

func TestBuildRejectsFileMatchingNoPartitionRoot(t *testing.T) {
	m := manifest.New()
	// No Targets at all: a malformed manifest that should never reach
	// Build in practice (internal/manifest/load.go's own invariant check
	// requires a base path target), but Build must not panic on one.
	m.Files = []manifest.FileEntry{{Name: "pg_data/base/1/1259", Size: 100}}

	_, err := Build(m, 16)
	require.Error(t, err)
	assert.True(t, rerror.Is(err, rerror.Format))
}
