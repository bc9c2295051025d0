package engine

import (
	"context"
	"time"
)

// Config controls the worker pool.
//
// The pool has no queue and no core size: a submission is handed directly to
// an idle worker, or starts a new one while fewer than MaxWorkers are alive.
type Config struct {
	MaxWorkers int
	// KeepAlive is how long an idle worker waits for a handoff before exiting.
	KeepAlive   time.Duration
	HistorySize int
}

// Job is a unit of work handed to a worker.
type Job struct {
	ID   string
	Name string

	// Daemon jobs are not waited for by Wait.
	Daemon bool

	// Ctx is the parent of the context passed to Run. Defaults to Background.
	Ctx context.Context
	// Timeout > 0 cancels Run's context after the duration and completes the
	// job with ErrTimeout even if Run keeps going.
	Timeout time.Duration

	Run func(ctx context.Context) error

	// OnDone is invoked exactly once with the job's outcome.
	OnDone func(Result)
}

type Result struct {
	Err      error
	TimedOut bool
	Panicked bool
	Started  time.Time
	Duration time.Duration
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	MaxWorkers int           `json:"max_workers"`
	KeepAlive  time.Duration `json:"keep_alive"`
	Live       int           `json:"live"`
	Idle       int           `json:"idle"`
	InFlight   int           `json:"in_flight"`
	Largest    int           `json:"largest"`
	Completed  uint64        `json:"completed"`
	Failed     uint64        `json:"failed"`
	TimedOut   uint64        `json:"timed_out"`
	Rejected   uint64        `json:"rejected"`
	Closed     bool          `json:"closed"`
	History    []HistoryItem `json:"history,omitempty"`
}
