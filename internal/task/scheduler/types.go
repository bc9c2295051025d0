package scheduler

import (
	"context"
	"time"

	"flightcollector/internal/task/engine"
)

// Config controls both pools.
type Config struct {
	// Workers bounds the worker pool.
	Workers   int
	KeepAlive time.Duration
	// DefaultTimeout applies to one-shot tasks whose Timeout is zero.
	DefaultTimeout time.Duration
	HistorySize    int
}

// Kind tells how a handle was scheduled.
type Kind int

const (
	KindOnce Kind = iota
	KindDelayed
	KindPeriodic
	KindDetached
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindDelayed:
		return "delayed"
	case KindPeriodic:
		return "periodic"
	case KindDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Priorities range from PriorityMin to PriorityMax. Go has no goroutine
// priorities, so the value is validated and carried on the handle for
// diagnostics only.
const (
	PriorityMin  = 1
	PriorityLow  = 1
	PriorityMid  = 5
	PriorityHigh = 9
	PriorityMax  = 10
)

// MinPeriod is the smallest accepted period of a periodic schedule.
const MinPeriod = time.Millisecond

// Task describes a one-shot or detached unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	// Priority in [PriorityMin, PriorityMax]. Zero means PriorityMid.
	Priority int
	// Daemon tasks are not waited for by Shutdown.
	Daemon bool
	// Timeout bounds a one-shot task. Zero uses Config.DefaultTimeout,
	// negative disables the bound.
	Timeout time.Duration
}

// ErrorHandler receives every failure that cannot be returned to a caller.
// Implementations must be safe for concurrent use.
type ErrorHandler interface {
	Handle(err error)
}

type ErrorHandlerFunc func(err error)

func (f ErrorHandlerFunc) Handle(err error) { f(err) }

type HistoryItem = engine.HistoryItem

type ScheduleInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Priority int           `json:"priority"`
	Daemon   bool          `json:"daemon"`
	Period   time.Duration `json:"period,omitempty"`
	Ticks    uint64        `json:"ticks,omitempty"`
	Failures uint64        `json:"failures,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	ShuttingDown bool            `json:"shutting_down"`
	Pool         engine.Snapshot `json:"pool"`
	Detached     int64           `json:"detached"`
	Schedules    []ScheduleInfo  `json:"schedules"`
}
