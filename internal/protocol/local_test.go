package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPoolRoundTripsJobsToResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(_ context.Context, job any) (bool, any, error) {
		n := job.(int)
		if n == 13 {
			return false, nil, errors.New("unlucky")
		}
		return true, nil, nil
	}
	pool := NewLocalPool(ctx, 2, handler)
	defer pool.Close()

	require.NoError(t, pool.Submit(ctx, Request{WorkerID: 0, Job: 1}))
	require.NoError(t, pool.Submit(ctx, Request{WorkerID: 1, Job: 13}))

	seen := map[int]Result{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-pool.Results():
			seen[res.WorkerID] = res
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for result")
		}
	}

	assert.True(t, seen[0].Copied)
	assert.NoError(t, seen[0].Err)
	assert.False(t, seen[1].Copied)
	assert.Error(t, seen[1].Err)
}

func TestLocalPoolRejectsOutOfRangeWorker(t *testing.T) {
	ctx := context.Background()
	pool := NewLocalPool(ctx, 1, func(context.Context, any) (bool, any, error) { return true, nil, nil })
	defer pool.Close()

	err := pool.Submit(ctx, Request{WorkerID: 5, Job: nil})
	assert.Error(t, err)
}
