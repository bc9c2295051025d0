package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flightcollector/internal/metrics"
	logx "flightcollector/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Pool is a bounded direct-handoff worker pool.
type Pool struct {
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics

	onReject func(Job)

	// handoff is unbuffered: a send succeeds only when a worker is parked on it.
	handoff chan *Job
	closing chan struct{}

	mu      sync.Mutex
	closed  bool
	live    int
	largest int

	idle     int32
	inFlight int32

	// busy tracks accepted non-daemon jobs until Run returns.
	busy sync.WaitGroup

	completed uint64
	failed    uint64
	timedOut  uint64
	rejected  uint64

	hmu     sync.Mutex
	history []HistoryItem

	idSeq          uint64
	lastRejectWarn int64
}

type Option func(*Pool)

// WithRejectionHandler installs fn, invoked once per rejected submission.
func WithRejectionHandler(fn func(Job)) Option {
	return func(p *Pool) { p.onReject = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 20
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 4 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "pool")),
		handoff: make(chan *Job),
		closing: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Config() Config { return p.cfg }

// Submit hands j to an idle worker, or starts a new worker for it. When every
// worker is busy and the pool is at MaxWorkers, j is rejected with ErrRejected
// and the rejection handler runs.
func (p *Pool) Submit(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		j.Name = "anonymous"
	}
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%x", atomic.AddUint64(&p.idSeq, 1))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !j.Daemon {
		p.busy.Add(1)
	}
	p.mu.Unlock()

	jp := &j
	select {
	case p.handoff <- jp:
		return nil
	default:
	}

	p.mu.Lock()
	if !p.closed && p.live < p.cfg.MaxWorkers {
		p.live++
		if p.live > p.largest {
			p.largest = p.live
		}
		live := p.live
		p.mu.Unlock()
		p.metrics.PoolWorkers(live, int(atomic.LoadInt32(&p.idle)))
		go p.worker(jp)
		return nil
	}
	closed := p.closed
	p.mu.Unlock()

	if !j.Daemon {
		p.busy.Done()
	}
	if closed {
		return ErrClosed
	}
	p.reject(j)
	return ErrRejected
}

func (p *Pool) reject(j Job) {
	n := atomic.AddUint64(&p.rejected, 1)
	p.metrics.PoolRejected()
	if p.shouldWarn(&p.lastRejectWarn, time.Now()) {
		p.log.Warn("task rejected: pool saturated",
			logx.String("task", j.Name),
			logx.String("id", j.ID),
			logx.Int("max_workers", p.cfg.MaxWorkers),
			logx.Uint64("rejected_total", n),
		)
	}
	if p.onReject != nil {
		p.onReject(j)
	}
}

// Close stops accepting work and releases idle workers. Busy workers finish
// their current job and exit.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closing)
}

// Wait blocks until every accepted non-daemon job has returned, or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.busy.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	live, largest, closed := p.live, p.largest, p.closed
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		MaxWorkers: p.cfg.MaxWorkers,
		KeepAlive:  p.cfg.KeepAlive,
		Live:       live,
		Idle:       int(atomic.LoadInt32(&p.idle)),
		InFlight:   int(atomic.LoadInt32(&p.inFlight)),
		Largest:    largest,
		Completed:  atomic.LoadUint64(&p.completed),
		Failed:     atomic.LoadUint64(&p.failed),
		TimedOut:   atomic.LoadUint64(&p.timedOut),
		Rejected:   atomic.LoadUint64(&p.rejected),
		Closed:     closed,
		History:    h,
	}
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
