// Package protocol defines the duplex worker channel spec §4.F and §5
// describe as an opaque collaborator: "one opaque request at a time and
// one opaque response" per worker. Spec.md §1 places inter-process
// protocol framing explicitly out of scope for this core, so the
// scheduler (internal/restore/scheduler) only ever talks to the
// WorkerPool interface below; local.go ships the one in-process
// implementation this repository needs, but a process-per-worker
// implementation (pipes, gob, whatever wire format) could satisfy the
// same interface without the scheduler changing at all.
package protocol

import "context"

// Request is one opaque unit of work handed to a worker. Job carries
// whatever the WorkerPool implementation's Handler expects — the
// scheduler passes a queue.Job wrapped as Request.Job.
type Request struct {
	WorkerID int
	Job      any
}

// ErrorInfo mirrors spec §4.F's result contract: {code, message}.
type ErrorInfo struct {
	Code    string
	Message string
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Result is one worker response: spec §4.F's {copied, error?} contract,
// tagged with the worker that produced it so the scheduler can refill
// that worker's slot.
type Result struct {
	WorkerID int
	Job      any
	Copied   bool
	Err      error

	// Detail carries implementation-specific telemetry (decision, bytes
	// written, checksum) beyond the {copied, error} contract spec §4.F
	// requires — populated by the in-process Handler for progress
	// logging, never interpreted by WorkerPool implementations
	// themselves.
	Detail any
}

// Handler executes one Request and produces its Result. Implementations
// of WorkerPool run a Handler per submitted Request; the core's own
// Handler (internal/orchestrator) drives the file restorer.
type Handler func(ctx context.Context, job any) (copied bool, detail any, err error)

// WorkerPool is the duplex-channel collaborator spec §5 requires the
// scheduler to depend on instead of a concrete process model.
type WorkerPool interface {
	// NumWorkers returns the fixed worker count N (spec §4.F's
	// process-max).
	NumWorkers() int
	// Submit assigns req to its WorkerID. The caller (scheduler) must not
	// submit a second request to the same worker before that worker's
	// prior Result has arrived on Results().
	Submit(ctx context.Context, req Request) error
	// Results delivers one Result per completed Submit, in the order
	// workers finish — not submission order across workers, matching
	// spec §4.F ("no ordering guarantee is offered across workers").
	Results() <-chan Result
	// Close stops all workers and releases resources. Safe to call once
	// results draining is complete.
	Close() error
}
