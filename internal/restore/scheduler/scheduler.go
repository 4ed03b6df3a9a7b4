// Package scheduler implements the parallel restore controller of spec
// §4.F: a single-threaded cooperative dispatcher driving N workers
// through the protocol.WorkerPool interface, home-partition-biased job
// assignment, inflight tracking, per-job inactivity timeouts and
// progress accounting.
//
// The worker fan-out/fan-in shape and its progress bookkeeping are
// grounded on internal/rsync/parallel.go's RunParallel (worker
// goroutines feeding a shared results channel, a single consumer loop
// accumulating totals) generalized from a fixed rsync-bucket split to
// dynamic per-worker job pulls from queue.Set, and its percentage/ETA
// math is adapted from internal/rsync/stats_format.go's formatBytes/rate
// arithmetic into the per-job log line Progress emits.
package scheduler

import (
	"context"
	"time"

	"github.com/vbp1/pgrestore/internal/protocol"
	"github.com/vbp1/pgrestore/internal/rerror"
	"github.com/vbp1/pgrestore/internal/restore/file"
	"github.com/vbp1/pgrestore/internal/restore/queue"
)

// JobDetail is the Detail payload a Handler attaches to protocol.Result
// for progress logging, beyond the bare {copied, error} contract.
type JobDetail struct {
	Decision file.Decision
	Checksum string
}

// Progress is emitted after every completed job (spec §4.F's reporting
// contract): percentage, file name, decision, size, checksum.
type Progress struct {
	SizeRestored int64
	SizeTotal    int64
	Job          queue.Job
	Decision     file.Decision
	Checksum     string
}

// Percent returns sizeRestored*100/sizeTotal, 100 if sizeTotal is 0.
func (p Progress) Percent() float64 {
	if p.SizeTotal == 0 {
		return 100
	}
	return float64(p.SizeRestored) * 100 / float64(p.SizeTotal)
}

// OnProgress is called once per completed job, in controller order.
type OnProgress func(Progress)

// Scheduler runs one restore pass over a queue.Set using pool.
type Scheduler struct {
	set               *queue.Set
	pool              protocol.WorkerPool
	inactivityTimeout time.Duration
	onProgress        OnProgress

	sizeRestored int64
}

// New builds a Scheduler. inactivityTimeout is protocol-timeout/2 per
// spec §4.F; onProgress may be nil.
func New(set *queue.Set, pool protocol.WorkerPool, inactivityTimeout time.Duration, onProgress OnProgress) *Scheduler {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	return &Scheduler{set: set, pool: pool, inactivityTimeout: inactivityTimeout, onProgress: onProgress}
}

// nextJob implements the dispatch policy: scan partitions starting at
// workerID's home partition (workerId mod partitionCount), wrapping
// around, and return+pop the head of the first non-empty one. Popping a
// Partition removes the job from it immediately, which is what gives the
// scheduler its inflight/at-most-once guarantee — no other worker can
// observe the same Job again.
func (s *Scheduler) nextJob(workerID int) (queue.Job, bool) {
	n := len(s.set.Partitions)
	if n == 0 {
		return queue.Job{}, false
	}
	home := workerID % n
	for i := 0; i < n; i++ {
		p := s.set.Partitions[(home+i)%n]
		if j, ok := p.Pop(); ok {
			return j, true
		}
	}
	return queue.Job{}, false
}

// Run drives the restore to completion: submits an initial job to every
// worker, then loops dequeuing results, accounting progress, and
// refilling idle workers, until every partition is drained and every
// worker is idle, or a fatal error occurs. On a worker's hard error or an
// inactivity timeout, Run stops issuing new jobs, drains outstanding
// responses (discarding their success, per spec §4.F) and returns the
// first error observed.
func (s *Scheduler) Run(ctx context.Context) error {
	n := s.pool.NumWorkers()
	deadlines := make(map[int]time.Time, n)
	var firstErr error
	draining := false

	submit := func(workerID int) bool {
		job, ok := s.nextJob(workerID)
		if !ok {
			return false
		}
		if err := s.pool.Submit(ctx, protocol.Request{WorkerID: workerID, Job: job}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			draining = true
			return false
		}
		deadlines[workerID] = time.Now().Add(s.inactivityTimeout)
		return true
	}

	active := 0
	for w := 0; w < n; w++ {
		if submit(w) {
			active++
		}
	}

	pollEvery := s.inactivityTimeout
	if pollEvery <= 0 || pollEvery > time.Second {
		pollEvery = time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for active > 0 {
		select {
		case res := <-s.pool.Results():
			active--
			delete(deadlines, res.WorkerID)
			if res.Err != nil {
				if firstErr == nil {
					firstErr = res.Err
				}
				draining = true
				continue
			}
			job, _ := res.Job.(queue.Job)
			s.sizeRestored += job.File.Size
			detail, _ := res.Detail.(JobDetail)
			s.onProgress(Progress{
				SizeRestored: s.sizeRestored,
				SizeTotal:    s.set.TotalSize,
				Job:          job,
				Decision:     detail.Decision,
				Checksum:     detail.Checksum,
			})
			if !draining {
				if submit(res.WorkerID) {
					active++
				}
			}
		case <-ticker.C:
			if s.inactivityTimeout <= 0 {
				continue
			}
			now := time.Now()
			for wid, deadline := range deadlines {
				if now.After(deadline) {
					if firstErr == nil {
						firstErr = rerror.New(rerror.Timeout, "worker %d exceeded inactivity timeout of %s", wid, s.inactivityTimeout)
					}
					draining = true
				}
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			draining = true
		}
	}
	return firstErr
}
