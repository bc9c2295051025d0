package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Handle is the token returned for every scheduled task.
type Handle struct {
	id       string
	name     string
	kind     Kind
	priority int
	daemon   bool
	period   time.Duration

	// ctx is cancelled by Interrupt and ShutdownNow. Periodic ticks do not
	// run under it: interrupting a chain never affects a running tick.
	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	err      error

	interrupted atomic.Bool

	// periodic
	entryID  cron.EntryID
	tickMu   sync.Mutex
	stopped  bool
	ticks    atomic.Uint64
	failures atomic.Uint64

	// delayed
	timer *time.Timer
}

func newHandle(parent context.Context, name string, kind Kind, priority int, daemon bool) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		id:       uuid.NewString(),
		name:     name,
		kind:     kind,
		priority: priority,
		daemon:   daemon,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (h *Handle) ID() string    { return h.id }
func (h *Handle) Name() string  { return h.name }
func (h *Handle) Kind() Kind    { return h.kind }
func (h *Handle) Priority() int { return h.priority }
func (h *Handle) Daemon() bool  { return h.daemon }

// Done is closed once the task, or the whole periodic chain, has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the final outcome; nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) Interrupted() bool { return h.interrupted.Load() }

// Ticks counts started ticks of a periodic handle.
func (h *Handle) Ticks() uint64 { return h.ticks.Load() }

func (h *Handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// complete records err and releases waiters. Only the first call counts.
func (h *Handle) complete(err error) bool {
	first := false
	h.doneOnce.Do(func() {
		first = true
		h.err = err
		h.cancel()
		close(h.done)
	})
	return first
}

// beginTick reports whether a tick may run and, if so, holds tickMu until
// endTick. stopTicks waits on the same lock for a running tick.
func (h *Handle) beginTick() bool {
	h.tickMu.Lock()
	if h.stopped {
		h.tickMu.Unlock()
		return false
	}
	return true
}

func (h *Handle) endTick() { h.tickMu.Unlock() }

func (h *Handle) stopTicks() {
	h.tickMu.Lock()
	h.stopped = true
	h.tickMu.Unlock()
}
