package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "flightcollector/pkg/logx"
)

// worker runs first, then parks on the handoff channel until KeepAlive
// elapses without work or the pool closes.
func (p *Pool) worker(first *Job) {
	j := first
	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		p.execOne(j)

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.KeepAlive)

		atomic.AddInt32(&p.idle, 1)
		select {
		case j = <-p.handoff:
			atomic.AddInt32(&p.idle, -1)
		case <-idle.C:
			p.retire()
			return
		case <-p.closing:
			p.retire()
			return
		}
	}
}

// retire gives the worker's slot back as soon as it has committed to exit,
// so a concurrent Submit can start a replacement.
func (p *Pool) retire() {
	p.mu.Lock()
	atomic.AddInt32(&p.idle, -1)
	p.live--
	live := p.live
	p.mu.Unlock()
	p.metrics.PoolWorkers(live, int(atomic.LoadInt32(&p.idle)))
}

func (p *Pool) execOne(j *Job) {
	if !j.Daemon {
		defer p.busy.Done()
	}
	atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)

	parent := j.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	start := time.Now()
	var once sync.Once
	finish := func(r Result) {
		once.Do(func() {
			r.Started = start
			r.Duration = time.Since(start)
			p.account(j, r)
			if j.OnDone != nil {
				j.OnDone(r)
			}
		})
	}

	// The deadline completes the job on time; Run keeps its worker until it
	// honours the cancelled context.
	if j.Timeout > 0 {
		t := time.AfterFunc(j.Timeout, func() {
			cancel()
			finish(Result{Err: ErrTimeout, TimedOut: true})
		})
		defer t.Stop()
	}

	p.log.Debug("task.started", logx.String("task", j.Name), logx.String("id", j.ID))
	panicked, err := p.runGuarded(ctx, j)
	finish(Result{Err: err, Panicked: panicked})
}

func (p *Pool) runGuarded(ctx context.Context, j *Job) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			p.log.Error("task.panic", logx.String("task", j.Name), logx.Any("panic", r), logx.Stack(stack))
			panicked, err = true, &PanicError{Value: r, Stack: stack}
		}
	}()
	return false, j.Run(ctx)
}

func (p *Pool) account(j *Job, r Result) {
	item := HistoryItem{ID: j.ID, Name: j.Name, Started: r.Started, Duration: r.Duration}
	switch {
	case r.TimedOut:
		atomic.AddUint64(&p.timedOut, 1)
		item.Error = r.Err.Error()
		p.log.Warn("task.timeout", logx.String("task", j.Name), logx.Duration("timeout", j.Timeout))
	case r.Err != nil:
		atomic.AddUint64(&p.failed, 1)
		item.Error = r.Err.Error()
		p.log.Debug("task.failed", logx.String("task", j.Name), logx.Err(r.Err), logx.Duration("dur", r.Duration))
	default:
		atomic.AddUint64(&p.completed, 1)
		if r.Duration >= 750*time.Millisecond {
			p.log.Info("task.completed", logx.String("task", j.Name), logx.Duration("dur", r.Duration))
		} else {
			p.log.Debug("task.completed", logx.String("task", j.Name), logx.Duration("dur", r.Duration))
		}
	}
	p.record(item)
}
