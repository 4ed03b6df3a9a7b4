package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/protocol"
	"github.com/vbp1/pgrestore/internal/rerror"
	"github.com/vbp1/pgrestore/internal/restore/file"
	"github.com/vbp1/pgrestore/internal/restore/queue"
)

func testSet(t *testing.T) *queue.Set {
	m := manifest.New()
	m.Targets = []manifest.Target{
		{Name: "pg_data", Type: manifest.TargetPath, Path: "/data"},
		{Name: "pg_tblspc/1", Type: manifest.TargetLink, Path: "/ts", TablespaceID: 1, TablespaceName: "ts"},
	}
	m.Files = []manifest.FileEntry{
		{Name: "pg_data/base/1/a", Size: 10},
		{Name: "pg_data/base/1/b", Size: 20},
		{Name: "pg_tblspc/1/PG_16/1/c", Size: 30},
	}
	set, err := queue.Build(m, 16)
	require.NoError(t, err)
	return set
}

func TestSchedulerDrainsAllJobsExactlyOnce(t *testing.T) {
	set := testSet(t)
	handler := func(_ context.Context, job any) (bool, any, error) {
		return true, JobDetail{Decision: file.DecisionWholeFile}, nil
	}
	ctx := context.Background()
	pool := protocol.NewLocalPool(ctx, 2, handler)
	defer pool.Close()

	var seen []string
	sched := New(set, pool, time.Second, func(p Progress) {
		seen = append(seen, p.Job.File.Name)
	})
	require.NoError(t, sched.Run(ctx))

	assert.ElementsMatch(t, []string{"pg_data/base/1/a", "pg_data/base/1/b", "pg_tblspc/1/PG_16/1/c"}, seen)
	assert.Equal(t, int64(60), sched.sizeRestored)
}

func TestSchedulerSurfacesFirstWorkerError(t *testing.T) {
	set := testSet(t)
	handler := func(_ context.Context, job any) (bool, any, error) {
		j := job.(queue.Job)
		if j.File.Name == "pg_data/base/1/b" {
			return false, nil, errors.New("boom")
		}
		return true, JobDetail{Decision: file.DecisionWholeFile}, nil
	}
	ctx := context.Background()
	pool := protocol.NewLocalPool(ctx, 2, handler)
	defer pool.Close()

	sched := New(set, pool, time.Second, nil)
	err := sched.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSchedulerSurfacesTimeoutKind(t *testing.T) {
	set := testSet(t)
	handler := func(_ context.Context, job any) (bool, any, error) {
		j := job.(queue.Job)
		if j.File.Name == "pg_data/base/1/a" {
			// Sleeps past the inactivity timeout below, so the scheduler
			// observes and reports the timeout before this job's own
			// (otherwise successful) result ever arrives.
			time.Sleep(50 * time.Millisecond)
		}
		return true, JobDetail{Decision: file.DecisionWholeFile}, nil
	}
	ctx := context.Background()
	pool := protocol.NewLocalPool(ctx, 2, handler)
	defer pool.Close()

	sched := New(set, pool, 10*time.Millisecond, nil)
	err := sched.Run(ctx)
	require.Error(t, err)
	assert.True(t, rerror.Is(err, rerror.Timeout))
}
