package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "flightcollector/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorSink) Handle(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errorSink) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func newTestScheduler(t *testing.T, workers int, opts ...Option) (*Scheduler, *errorSink) {
	t.Helper()
	sink := &errorSink{}
	s := New(Config{Workers: workers, KeepAlive: time.Second, DefaultTimeout: -1}, logx.Nop(), sink, opts...)
	t.Cleanup(func() { s.ShutdownNow() })
	return s, sink
}

func TestSubmitRejectsExcessExactlyOnce(t *testing.T) {
	var rejected atomic.Int32
	s, _ := newTestScheduler(t, 3, WithRejectionHandler(func(string) { rejected.Add(1) }))

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	var ran atomic.Int32
	block := func(ctx context.Context) error {
		ran.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Submit(Task{Name: "busy", Run: block})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	const excess = 5
	for i := 0; i < excess; i++ {
		h, err := s.Submit(Task{Name: "excess", Run: block})
		assert.ErrorIs(t, err, ErrRejected)
		assert.Nil(t, h)
	}
	assert.EqualValues(t, excess, rejected.Load())

	close(release)
	for _, h := range handles {
		require.NoError(t, s.Await(context.Background(), h))
	}
	assert.EqualValues(t, 3, ran.Load(), "no rejected task may run")
	assert.EqualValues(t, excess, s.Snapshot().Pool.Rejected)
}

func TestInvalidParametersFailSynchronously(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name         string
		initialDelay time.Duration
		period       time.Duration
		wantErr      bool
	}{
		{"zero period", 0, 0, true},
		{"sub-millisecond period", 0, time.Microsecond, true},
		{"negative initial delay", -time.Millisecond, time.Second, true},
		{"minimal valid", 0, time.Millisecond, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := s.SchedulePeriodic(tt.name, tt.initialDelay, tt.period, noop)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
				assert.Nil(t, h)
				return
			}
			require.NoError(t, err)
			assert.True(t, s.Interrupt(h))
		})
	}

	for _, p := range []int{-1, 11} {
		_, err := s.Submit(Task{Name: "prio", Priority: p, Run: noop})
		assert.ErrorIs(t, err, ErrPriorityRange)
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	}

	_, err := s.Delayed("neg", -time.Millisecond, noop)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestTimeoutRoutesToErrorHandler(t *testing.T) {
	s, sink := newTestScheduler(t, 1)

	interrupted := make(chan struct{})
	h, err := s.Submit(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(interrupted)
			return ctx.Err()
		},
	})
	require.NoError(t, err, "timeouts are never returned synchronously")

	assert.ErrorIs(t, s.Await(context.Background(), h), ErrTimeout)
	<-interrupted

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	var te *TaskTimeoutError
	require.True(t, errors.As(sink.all()[0], &te))
	assert.Equal(t, "slow", te.Name)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
}

func TestFailingTickKeepsTicking(t *testing.T) {
	s, sink := newTestScheduler(t, 1)

	var ticks atomic.Int32
	h, err := s.SchedulePeriodic("flaky", 0, 5*time.Millisecond, func(context.Context) error {
		if ticks.Add(1) == 1 {
			panic("first tick explodes")
		}
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, 2*time.Second, time.Millisecond)
	assert.True(t, s.Interrupt(h))
	assert.ErrorIs(t, s.Await(context.Background(), h), ErrInterrupted)

	errs := sink.all()
	require.Len(t, errs, 1)
	var tick *TickError
	require.True(t, errors.As(errs[0], &tick))
	assert.Equal(t, "flaky", tick.Name)
	assert.EqualValues(t, 1, tick.Tick)
}

func TestTicksNeverOverlap(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	var running, maxRunning, ticks atomic.Int32
	h, err := s.SchedulePeriodic("slow", 0, time.Millisecond, func(context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		ticks.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Interrupt(h)
	require.NoError(t, ignoreInterrupted(s.Await(context.Background(), h)))
	assert.EqualValues(t, 1, maxRunning.Load())
}

func TestInterruptLetsRunningTickFinish(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var ticks atomic.Int32
	h, err := s.SchedulePeriodic("long", 0, time.Millisecond, func(ctx context.Context) error {
		if ticks.Add(1) == 1 {
			close(entered)
			<-release
			finished.Store(ctx.Err() == nil)
		}
		return nil
	})
	require.NoError(t, err)
	<-entered

	assert.True(t, s.Interrupt(h))
	assert.False(t, s.Interrupt(h), "already interrupted")
	select {
	case <-h.Done():
		t.Fatal("handle completed while a tick was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.ErrorIs(t, s.Await(context.Background(), h), ErrInterrupted)
	assert.True(t, finished.Load(), "running tick must not be cancelled")
	assert.EqualValues(t, 1, ticks.Load())
}

func TestInterruptOneShotCancelsContext(t *testing.T) {
	s, sink := newTestScheduler(t, 1)

	started := make(chan struct{})
	h, err := s.Submit(Task{Name: "waiter", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	assert.True(t, s.Interrupt(h))
	assert.ErrorIs(t, s.Await(context.Background(), h), ErrInterrupted)
	assert.True(t, h.Interrupted())
	assert.False(t, s.Interrupt(h), "finished handles are not alive")
	assert.Empty(t, sink.all())
}

func TestDelayedRunsOnPool(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	start := time.Now()
	var at atomic.Int64
	h, err := s.Delayed("later", 30*time.Millisecond, func(context.Context) error {
		at.Store(int64(time.Since(start)))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Await(context.Background(), h))
	assert.GreaterOrEqual(t, time.Duration(at.Load()), 30*time.Millisecond)

	h2, err := s.Delayed("never", time.Hour, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, s.Interrupt(h2))
	assert.ErrorIs(t, s.Await(context.Background(), h2), ErrInterrupted)
}

func TestDelayedIgnoresDefaultTimeout(t *testing.T) {
	sink := &errorSink{}
	s := New(Config{Workers: 1, KeepAlive: time.Second, DefaultTimeout: 20 * time.Millisecond}, logx.Nop(), sink)
	t.Cleanup(func() { s.ShutdownNow() })

	h, err := s.Delayed("slow", time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(60 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, err)
	assert.NoError(t, s.Await(context.Background(), h))
	assert.Empty(t, sink.all())
}

func TestShutdownWaitsForDetachedRacingIt(t *testing.T) {
	for round := 0; round < 50; round++ {
		s, _ := newTestScheduler(t, 1)

		var started, finished atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.RunDetached(Task{Name: "flush", Run: func(context.Context) error {
					started.Add(1)
					time.Sleep(2 * time.Millisecond)
					finished.Add(1)
					return nil
				}})
			}()
		}
		drained := s.Shutdown(time.Second)
		require.True(t, drained)
		assert.Equal(t, started.Load(), finished.Load(), "round %d: shutdown returned before an accepted task finished", round)
		wg.Wait()
	}
}

func TestRunDetachedBypassesPool(t *testing.T) {
	var rejected atomic.Int32
	s, sink := newTestScheduler(t, 1, WithRejectionHandler(func(string) { rejected.Add(1) }))

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Submit(Task{Name: "occupy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	require.NoError(t, err)
	<-started
	defer close(release)

	h, err := s.RunDetached(Task{Name: "background", Priority: PriorityLow, Run: func(context.Context) error {
		return errors.New("gave up")
	}})
	require.NoError(t, err)
	assert.EqualError(t, s.Await(context.Background(), h), "gave up")
	assert.Zero(t, rejected.Load())

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	var te *TaskError
	require.True(t, errors.As(sink.all()[0], &te))
	assert.Equal(t, KindDetached, te.Kind)
}

func TestShutdownStopsTicksAndDrains(t *testing.T) {
	s, _ := newTestScheduler(t, 2)

	var ticks atomic.Int32
	h, err := s.SchedulePeriodic("tick", 0, 2*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)

	finished := make(chan struct{})
	_, err = s.Submit(Task{Name: "inflight", Run: func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		close(finished)
		return nil
	}})
	require.NoError(t, err)

	assert.True(t, s.Shutdown(time.Second))
	<-finished
	assert.ErrorIs(t, s.Await(context.Background(), h), ErrShutdown)

	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no tick may start after shutdown")

	_, err = s.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = s.SchedulePeriodic("late", 0, time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownTimesOutOnStuckTask(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	release := make(chan struct{})
	defer close(release)
	_, err := s.Submit(Task{Name: "stuck", Run: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)
	assert.False(t, s.Shutdown(20*time.Millisecond))
}

func TestShutdownNowCancelsRunningWork(t *testing.T) {
	s, sink := newTestScheduler(t, 1)

	started := make(chan struct{})
	h, err := s.Submit(Task{Name: "cancel-me", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	assert.True(t, s.ShutdownNow())
	assert.False(t, s.ShutdownNow())
	assert.ErrorIs(t, s.Await(context.Background(), h), ErrInterrupted)
	assert.Empty(t, sink.all())
}

func TestFixedRateSchedule(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sc := newFixedRateSchedule(now, 0, 10*time.Millisecond)

	assert.Equal(t, now, sc.Next(now), "zero initial delay fires at registration")
	assert.Equal(t, now.Add(10*time.Millisecond), sc.Next(now))
	// A late tick skips missed slots instead of bursting.
	assert.Equal(t, now.Add(40*time.Millisecond), sc.Next(now.Add(35*time.Millisecond)))

	delayed := newFixedRateSchedule(now, 100*time.Millisecond, time.Second)
	assert.Equal(t, now.Add(100*time.Millisecond), delayed.Next(now))
	assert.Equal(t, now.Add(1100*time.Millisecond), delayed.Next(now.Add(100*time.Millisecond)))
}

func ignoreInterrupted(err error) error {
	if errors.Is(err, ErrInterrupted) {
		return nil
	}
	return err
}
