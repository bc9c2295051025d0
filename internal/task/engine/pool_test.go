package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "flightcollector/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingJob(name string, release <-chan struct{}, started chan<- struct{}) Job {
	return Job{Name: name, Run: func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		<-release
		return nil
	}}
}

func TestSubmitRejectsWhenSaturated(t *testing.T) {
	var rejected atomic.Int32
	p := New(Config{MaxWorkers: 2, KeepAlive: time.Second}, logx.Nop(),
		WithRejectionHandler(func(Job) { rejected.Add(1) }))
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	require.NoError(t, p.Submit(blockingJob("a", release, started)))
	require.NoError(t, p.Submit(blockingJob("b", release, started)))
	<-started
	<-started

	for i := 0; i < 3; i++ {
		err := p.Submit(blockingJob("extra", release, nil))
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.EqualValues(t, 3, rejected.Load())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	snap := p.Snapshot()
	assert.EqualValues(t, 3, snap.Rejected)
	assert.EqualValues(t, 2, snap.Completed)
	assert.Equal(t, 2, snap.Largest)
}

func TestIdleWorkerReceivesHandoff(t *testing.T) {
	p := New(Config{MaxWorkers: 1, KeepAlive: time.Minute}, logx.Nop())
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "first", Run: func(context.Context) error { return nil },
		OnDone: func(Result) { close(done) }}))
	<-done

	// The single worker parks after its first job; wait until it is idle.
	require.Eventually(t, func() bool { return p.Snapshot().Idle == 1 }, time.Second, time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "second", Run: func(context.Context) error {
		close(ran)
		return nil
	}}))
	<-ran
	assert.Equal(t, 1, p.Snapshot().Largest)
}

func TestIdleWorkersExitAfterKeepAlive(t *testing.T) {
	p := New(Config{MaxWorkers: 4, KeepAlive: 20 * time.Millisecond}, logx.Nop())
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Job{Name: "quick", Run: func(context.Context) error { return nil }}))
	}
	require.Eventually(t, func() bool { return p.Snapshot().Live == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimeoutCompletesJobAndCancelsContext(t *testing.T) {
	p := New(Config{MaxWorkers: 1}, logx.Nop())
	defer p.Close()

	results := make(chan Result, 2)
	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(Job{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
		OnDone: func(r Result) { results <- r },
	}))

	r := <-results
	assert.True(t, r.TimedOut)
	assert.ErrorIs(t, r.Err, ErrTimeout)
	<-cancelled

	select {
	case extra := <-results:
		t.Fatalf("OnDone called twice: %+v", extra)
	case <-time.After(30 * time.Millisecond):
	}
	assert.EqualValues(t, 1, p.Snapshot().TimedOut)
}

func TestPanicBecomesError(t *testing.T) {
	p := New(Config{MaxWorkers: 1}, logx.Nop())
	defer p.Close()

	results := make(chan Result, 1)
	require.NoError(t, p.Submit(Job{
		Name:   "boom",
		Run:    func(context.Context) error { panic("bad") },
		OnDone: func(r Result) { results <- r },
	}))
	r := <-results
	assert.True(t, r.Panicked)
	var pe *PanicError
	require.True(t, errors.As(r.Err, &pe))
	assert.Equal(t, "bad", pe.Value)
}

func TestWaitIgnoresDaemonJobs(t *testing.T) {
	p := New(Config{MaxWorkers: 2}, logx.Nop())

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Submit(Job{Name: "daemon", Daemon: true, Run: func(context.Context) error {
		<-release
		return nil
	}}))

	p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, p.Wait(ctx))
	assert.ErrorIs(t, p.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }}), ErrClosed)
}

func TestRetiringWorkerFreesSlot(t *testing.T) {
	var rejected atomic.Int32
	p := New(Config{MaxWorkers: 1, KeepAlive: time.Millisecond}, logx.Nop(),
		WithRejectionHandler(func(Job) { rejected.Add(1) }))
	defer p.Close()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		done := make(chan struct{})
		if err := p.Submit(Job{Name: "quick", Run: func(context.Context) error {
			close(done)
			return nil
		}}); err != nil {
			require.ErrorIs(t, err, ErrRejected)
			continue
		}
		<-done
		// Land near the keep-alive expiry so submits race the exiting worker.
		time.Sleep(time.Millisecond)
	}
	assert.Less(t, int(rejected.Load()), rounds/20, "submits racing a retiring worker must mostly start a replacement")

	require.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.Live == 0 && s.Idle == 0
	}, time.Second, time.Millisecond)
}
