// Package errs routes asynchronous failures to the log and to metrics.
package errs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"flightcollector/internal/collector"
	"flightcollector/internal/metrics"
	"flightcollector/internal/storage"
	"flightcollector/internal/task/engine"
	"flightcollector/internal/task/scheduler"
	logx "flightcollector/pkg/logx"
)

const DefaultThrottle = 10 * time.Second

// Error kinds, also used as the metrics label.
const (
	KindPartitionFetch = "partition_fetch"
	KindDeserialize    = "deserialize"
	KindFlush          = "flush"
	KindTimeout        = "task_timeout"
	KindRejected       = "rejected"
	KindPanic          = "panic"
	KindTick           = "tick"
	KindTask           = "task"
	KindOther          = "other"
)

// Classify maps err to one of the Kind constants. The most specific cause
// wins, so a tick that panicked is KindPanic.
func Classify(err error) string {
	var (
		pfe   *collector.PartitionFetchError
		de    *collector.DeserializationError
		fe    *storage.FlushError
		pe    *engine.PanicError
		te    *scheduler.TaskTimeoutError
		tick  *scheduler.TickError
		taskE *scheduler.TaskError
	)
	switch {
	case errors.As(err, &pfe):
		return KindPartitionFetch
	case errors.As(err, &de):
		return KindDeserialize
	case errors.As(err, &fe):
		return KindFlush
	case errors.As(err, &pe):
		return KindPanic
	case errors.As(err, &te), errors.Is(err, scheduler.ErrTimeout):
		return KindTimeout
	case errors.Is(err, scheduler.ErrRejected):
		return KindRejected
	case errors.As(err, &tick):
		return KindTick
	case errors.As(err, &taskE):
		return KindTask
	default:
		return KindOther
	}
}

// Reporter is the process-wide scheduler.ErrorHandler. Every error is
// counted; repeated errors of one kind are logged at most once per Throttle,
// with the number suppressed in between.
type Reporter struct {
	log      logx.Logger
	m        *metrics.Metrics
	throttle time.Duration
	now      func() time.Time

	mu    sync.Mutex
	kinds map[string]*kindState
	total atomic.Uint64
}

type kindState struct {
	count      uint64
	lastLogged time.Time
	suppressed uint64
}

var _ scheduler.ErrorHandler = (*Reporter)(nil)

func NewReporter(log logx.Logger, m *metrics.Metrics, throttle time.Duration) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if throttle < 0 {
		throttle = 0
	}
	return &Reporter{
		log:      log.With(logx.String("comp", "errors")),
		m:        m,
		throttle: throttle,
		now:      time.Now,
		kinds:    map[string]*kindState{},
	}
}

func (r *Reporter) Handle(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	kind := Classify(err)
	r.total.Add(1)
	r.m.Error(kind)

	now := r.now()
	r.mu.Lock()
	st := r.kinds[kind]
	if st == nil {
		st = &kindState{}
		r.kinds[kind] = st
	}
	st.count++
	if !st.lastLogged.IsZero() && now.Sub(st.lastLogged) < r.throttle {
		st.suppressed++
		r.mu.Unlock()
		return
	}
	suppressed := st.suppressed
	st.suppressed = 0
	st.lastLogged = now
	r.mu.Unlock()

	fields := []logx.Field{logx.String("kind", kind), logx.Err(err)}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	var pe *engine.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
		r.log.Error("task panicked", fields...)
		return
	}
	r.log.Warn("async error", fields...)
}

// Rejected adapts Reporter to scheduler.WithRejectionHandler.
func (r *Reporter) Rejected(task string) {
	r.Handle(&scheduler.TaskError{Name: task, Kind: scheduler.KindOnce, Err: scheduler.ErrRejected})
}

// Counts returns how many errors of each kind were handled.
func (r *Reporter) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.kinds))
	for k, st := range r.kinds {
		out[k] = st.count
	}
	return out
}

func (r *Reporter) Total() uint64 { return r.total.Load() }
