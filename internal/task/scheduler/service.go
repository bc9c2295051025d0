package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"flightcollector/internal/metrics"
	"flightcollector/internal/runtime/supervisor"
	"flightcollector/internal/task/engine"
	logx "flightcollector/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	cfg     Config
	log     logx.Logger
	onError ErrorHandler
	metrics *metrics.Metrics

	onReject func(name string)

	// ctx is the parent of every task context; ShutdownNow cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	pool  *engine.Pool
	timer *cron.Cron
	sup   *supervisor.Supervisor

	mu       sync.Mutex
	shutdown bool
	handles  map[string]*Handle

	// detached tracks non-daemon detached tasks.
	detached    sync.WaitGroup
	detachedRun int64
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRejectionHandler is called once per submission rejected by the
// saturated worker pool, in addition to the synchronous ErrRejected.
func WithRejectionHandler(fn func(name string)) Option {
	return func(s *Scheduler) { s.onReject = fn }
}

// New builds a running scheduler. onError may be nil, in which case
// asynchronous failures are only logged.
func New(cfg Config, log logx.Logger, onError ErrorHandler, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:     cfg,
		log:     log,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*Handle),
	}
	for _, o := range opts {
		o(s)
	}

	s.pool = engine.New(engine.Config{
		MaxWorkers:  cfg.Workers,
		KeepAlive:   cfg.KeepAlive,
		HistorySize: cfg.HistorySize,
	}, log, engine.WithMetrics(s.metrics), engine.WithRejectionHandler(func(j engine.Job) {
		if s.onReject != nil {
			s.onReject(j.Name)
		}
	}))
	s.timer = cron.New(
		cron.WithLogger(logx.CronLogger(log)),
		cron.WithLocation(time.UTC),
	)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("pool", "detached"))))
	s.timer.Start()

	s.log.Info("scheduler started", logx.Int("workers", s.pool.Config().MaxWorkers), logx.Duration("keep_alive", s.pool.Config().KeepAlive))
	return s
}

// Shutdown stops accepting work, stops the timer pool and waits up to
// timeout for in-flight non-daemon work on both pools. It reports whether
// everything drained in time.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	start := time.Now()
	if !s.beginShutdown() {
		return s.Wait(timeout)
	}
	s.log.Info("shutdown requested", logx.Duration("timeout", timeout))

	timerDone := s.timer.Stop()
	s.pool.Close()
	periodic := s.cancelTimers(ErrShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	drained := true
	select {
	case <-timerDone.Done():
	case <-ctx.Done():
		drained = false
	}
	// Running ticks have returned (or we gave up); close their chains.
	for _, h := range periodic {
		s.finish(h, ErrShutdown)
	}
	if err := s.pool.Wait(ctx); err != nil {
		drained = false
	}
	if !waitGroup(ctx, &s.detached) {
		drained = false
	}

	s.log.Info("scheduler stopped", logx.Bool("drained", drained), logx.Duration("took", time.Since(start)))
	return drained
}

// ShutdownNow cancels every running task and stops both pools without
// waiting. It returns false if the scheduler had already been shut down.
func (s *Scheduler) ShutdownNow() bool {
	first := s.beginShutdown()
	s.cancel()
	s.timer.Stop()
	s.pool.Close()
	s.sup.Cancel()
	for _, h := range s.cancelTimers(ErrShutdown) {
		s.finish(h, ErrShutdown)
	}
	if first {
		s.log.Warn("scheduler terminated", logx.Int64("detached_running", atomic.LoadInt64(&s.detachedRun)))
	}
	return first
}

// Wait blocks up to timeout for in-flight non-daemon work after a shutdown.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.pool.Wait(ctx) != nil {
		return false
	}
	return waitGroup(ctx, &s.detached)
}

func (s *Scheduler) beginShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.shutdown = true
	return true
}

// cancelTimers removes every periodic entry and stops every pending delayed
// timer. Delayed handles complete with cause immediately; periodic handles
// are returned so the caller can complete them once running ticks end.
func (s *Scheduler) cancelTimers(cause error) []*Handle {
	type pending struct {
		h     *Handle
		entry cron.EntryID
		timer *time.Timer
	}
	s.mu.Lock()
	hs := make([]pending, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, pending{h: h, entry: h.entryID, timer: h.timer})
	}
	s.mu.Unlock()

	var periodic []*Handle
	for _, p := range hs {
		switch p.h.kind {
		case KindPeriodic:
			s.timer.Remove(p.entry)
			periodic = append(periodic, p.h)
			go p.h.stopTicks()
		case KindDelayed:
			if p.timer != nil && p.timer.Stop() {
				s.finish(p.h, cause)
			}
		}
	}
	return periodic
}

func (s *Scheduler) track(h *Handle) error {
	return s.trackWith(h, nil)
}

// trackWith registers h and runs arm under the same lock, so a concurrent
// shutdown sees either nothing or a fully armed handle.
func (s *Scheduler) trackWith(h *Handle, arm func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	if arm != nil {
		arm()
	}
	s.handles[h.id] = h
	return nil
}

func (s *Scheduler) untrack(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
}

// report routes err to the error handler. A panicking handler is logged and
// otherwise ignored.
func (s *Scheduler) report(err error) {
	if err == nil {
		return
	}
	if s.onError == nil {
		s.log.Warn("unhandled task error", logx.Err(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("error handler panicked", logx.Any("panic", r), logx.Err(err))
		}
	}()
	s.onError.Handle(err)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrInterrupted)
}
