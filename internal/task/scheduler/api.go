package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"flightcollector/internal/task/engine"
	logx "flightcollector/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Submit runs t once on the worker pool. It never blocks: when every worker
// is busy and the pool is full, it returns ErrRejected.
//
// Failures after acceptance (including a timeout) complete the handle and
// are routed to the ErrorHandler.
func (s *Scheduler) Submit(t Task) (*Handle, error) {
	prio, err := validateTask(&t)
	if err != nil {
		return nil, err
	}
	h := newHandle(s.ctx, t.Name, KindOnce, prio, t.Daemon)
	if err := s.track(h); err != nil {
		return nil, err
	}
	if err := s.dispatch(h, t.Run, t.Timeout); err != nil {
		s.finish(h, err)
		return nil, err
	}
	return h, nil
}

// dispatch hands a one-shot run to the worker pool under h.
func (s *Scheduler) dispatch(h *Handle, run func(ctx context.Context) error, timeout time.Duration) error {
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	err := s.pool.Submit(engine.Job{
		ID:      h.id,
		Name:    h.name,
		Daemon:  h.daemon,
		Ctx:     h.ctx,
		Timeout: timeout,
		Run:     run,
		OnDone:  func(r engine.Result) { s.onJobDone(h, timeout, r) },
	})
	if errors.Is(err, engine.ErrClosed) {
		return ErrShutdown
	}
	return err
}

func (s *Scheduler) onJobDone(h *Handle, timeout time.Duration, r engine.Result) {
	kind := h.kind.String()
	switch {
	case r.TimedOut:
		s.finish(h, ErrTimeout)
		s.metrics.TaskFinished(kind, "timeout")
		s.report(&TaskTimeoutError{Name: h.name, ID: h.id, Timeout: timeout})
	case r.Err != nil && (h.Interrupted() || s.ctx.Err() != nil):
		s.finish(h, ErrInterrupted)
		s.metrics.TaskFinished(kind, "interrupted")
	case r.Err != nil:
		s.finish(h, r.Err)
		s.metrics.TaskFinished(kind, "failed")
		s.report(&TaskError{Name: h.name, Kind: h.kind, Err: r.Err})
	default:
		s.finish(h, nil)
		s.metrics.TaskFinished(kind, "ok")
	}
}

// SchedulePeriodic runs run on the timer pool after initialDelay and then
// every period until the handle is interrupted or the scheduler shuts down.
//
// A tick that is still running when the next one is due causes that tick to
// be skipped, so ticks of one handle never overlap. A failing or panicking
// tick is reported as a *TickError; later ticks still run.
func (s *Scheduler) SchedulePeriodic(name string, initialDelay, period time.Duration, run func(ctx context.Context) error) (*Handle, error) {
	name = strings.TrimSpace(name)
	switch {
	case run == nil:
		return nil, invalid("run is nil")
	case period < MinPeriod:
		return nil, invalid("period %s < %s", period, MinPeriod)
	case initialDelay < 0:
		return nil, invalid("initial delay %s < 0", initialDelay)
	}

	h := newHandle(s.ctx, name, KindPeriodic, PriorityMid, true)
	h.period = period
	job := cron.NewChain(cron.SkipIfStillRunning(logx.CronLogger(s.log.With(logx.String("schedule", name))))).
		Then(cron.FuncJob(func() { s.tick(h, run) }))

	err := s.trackWith(h, func() {
		h.entryID = s.timer.Schedule(newFixedRateSchedule(time.Now(), initialDelay, period), job)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("schedule registered", logx.String("name", name), logx.String("id", h.id),
		logx.Duration("initial_delay", initialDelay), logx.Duration("period", period))
	return h, nil
}

func (s *Scheduler) tick(h *Handle, run func(ctx context.Context) error) {
	if !h.beginTick() {
		return
	}
	defer h.endTick()

	n := h.ticks.Add(1)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("tick panicked", logx.String("schedule", h.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = &engine.PanicError{Value: r}
			}
		}()
		return run(s.ctx)
	}()
	if err == nil || s.ctx.Err() != nil {
		return
	}
	h.failures.Add(1)
	s.metrics.TickFailed(h.name)
	s.log.Warn("tick failed", logx.String("schedule", h.name), logx.Uint64("tick", n), logx.Err(err))
	s.report(&TickError{Name: h.name, Tick: n, Err: err})
}

// Delayed runs run once on the worker pool after delay, without a timeout.
// If the pool is saturated when the delay expires, the handle completes with
// ErrRejected and the rejection handler is called.
func (s *Scheduler) Delayed(name string, delay time.Duration, run func(ctx context.Context) error) (*Handle, error) {
	name = strings.TrimSpace(name)
	switch {
	case run == nil:
		return nil, invalid("run is nil")
	case delay < 0:
		return nil, invalid("delay %s < 0", delay)
	}
	h := newHandle(s.ctx, name, KindDelayed, PriorityMid, false)
	err := s.trackWith(h, func() {
		h.timer = time.AfterFunc(delay, func() {
			if err := s.dispatch(h, run, -1); err != nil {
				s.finish(h, err)
				if !errors.Is(err, ErrShutdown) && !errors.Is(err, ErrRejected) {
					s.report(&TaskError{Name: h.name, Kind: KindDelayed, Err: err})
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// RunDetached runs t in its own goroutine outside the worker pool. It is
// meant for long-lived background work that must not take pool capacity.
func (s *Scheduler) RunDetached(t Task) (*Handle, error) {
	prio, err := validateTask(&t)
	if err != nil {
		return nil, err
	}
	h := newHandle(s.ctx, t.Name, KindDetached, prio, t.Daemon)
	// Counted under the tracking lock so Shutdown never waits on a group
	// that is about to grow.
	err = s.trackWith(h, func() {
		if !t.Daemon {
			s.detached.Add(1)
		}
		atomic.AddInt64(&s.detachedRun, 1)
	})
	if err != nil {
		return nil, err
	}

	run := t.Run
	s.sup.Go(h.name, func(context.Context) error {
		ctx := h.ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		return run(ctx)
	}, func(err error) {
		defer func() {
			atomic.AddInt64(&s.detachedRun, -1)
			if !t.Daemon {
				s.detached.Done()
			}
		}()
		switch {
		case err == nil:
			s.finish(h, nil)
		case h.Interrupted() || (isCancel(err) && s.ctx.Err() != nil):
			s.finish(h, ErrInterrupted)
		default:
			s.finish(h, err)
			s.report(&TaskError{Name: h.name, Kind: KindDetached, Err: err})
		}
	})
	return h, nil
}

// Await blocks until h completes or ctx ends and returns h's outcome.
func (s *Scheduler) Await(ctx context.Context, h *Handle) error {
	if h == nil {
		return errors.New("nil handle")
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt asks h to stop. It reports whether h was alive and is now marked
// interrupted.
//
// One-shot and detached tasks see their context cancelled. A pending delayed
// task never runs. A periodic chain schedules no further ticks; a tick that is
// already running finishes, after which the handle completes.
func (s *Scheduler) Interrupt(h *Handle) bool {
	if h == nil || !h.alive() || !h.interrupted.CompareAndSwap(false, true) {
		return false
	}
	switch h.kind {
	case KindPeriodic:
		s.mu.Lock()
		id := h.entryID
		s.mu.Unlock()
		s.timer.Remove(id)
		go func() {
			h.stopTicks()
			s.finish(h, ErrInterrupted)
		}()
	case KindDelayed:
		s.mu.Lock()
		t := h.timer
		s.mu.Unlock()
		if t != nil && t.Stop() {
			s.finish(h, ErrInterrupted)
			break
		}
		h.cancel()
	default:
		h.cancel()
	}
	s.log.Debug("task interrupted", logx.String("task", h.name), logx.String("kind", h.kind.String()))
	return true
}

func (s *Scheduler) finish(h *Handle, err error) {
	if h.complete(err) {
		s.untrack(h)
	}
}

func validateTask(t *Task) (int, error) {
	if t.Run == nil {
		return 0, invalid("run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return 0, fmt.Errorf("%w: name required", ErrInvalidSchedule)
	}
	return checkPriority(t.Priority)
}
