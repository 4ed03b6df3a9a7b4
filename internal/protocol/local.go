package protocol

import (
	"context"

	"github.com/vbp1/pgrestore/internal/rerror"
)

// LocalPool is the in-process WorkerPool: one goroutine per worker
// reading its own request channel and writing to a shared results
// channel, grounded on internal/rsync/parallel.go's worker
// goroutine-per-bucket fan-out feeding shared pipes — the same
// fan-out/fan-in shape, generalized from rsync subprocesses to a
// Handler closure.
type LocalPool struct {
	n       int
	handler Handler
	reqs    []chan Request
	results chan Result
	done    chan struct{}
}

// NewLocalPool starts n worker goroutines, each applying handler to
// whatever Request arrives on its slot.
func NewLocalPool(ctx context.Context, n int, handler Handler) *LocalPool {
	p := &LocalPool{
		n:       n,
		handler: handler,
		reqs:    make([]chan Request, n),
		results: make(chan Result, n),
		done:    make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.reqs[i] = make(chan Request, 1)
		go p.run(ctx, i)
	}
	return p
}

func (p *LocalPool) run(ctx context.Context, workerID int) {
	for {
		select {
		case req, ok := <-p.reqs[workerID]:
			if !ok {
				return
			}
			copied, detail, err := p.handler(ctx, req.Job)
			select {
			case p.results <- Result{WorkerID: workerID, Job: req.Job, Copied: copied, Err: err, Detail: detail}:
			case <-p.done:
				return
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *LocalPool) NumWorkers() int { return p.n }

func (p *LocalPool) Submit(ctx context.Context, req Request) error {
	if req.WorkerID < 0 || req.WorkerID >= p.n {
		return rerror.New(rerror.Protocol, "worker id %d out of range [0,%d)", req.WorkerID, p.n)
	}
	select {
	case p.reqs[req.WorkerID] <- req:
		return nil
	case <-ctx.Done():
		return rerror.Wrap(rerror.Protocol, ctx.Err(), "submit to worker %d", req.WorkerID)
	}
}

func (p *LocalPool) Results() <-chan Result { return p.results }

func (p *LocalPool) Close() error {
	close(p.done)
	for _, c := range p.reqs {
		close(c)
	}
	return nil
}
