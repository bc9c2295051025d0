package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flightcollector/internal/livecache"
	"flightcollector/internal/metrics"
	"flightcollector/internal/partition"
	"flightcollector/internal/storage"
	"flightcollector/internal/task/scheduler"
	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"
)

const (
	DefaultInterval          = 5 * time.Second
	DefaultFetchTimeout      = 30 * time.Second
	DefaultPruneInitialDelay = 100 * time.Second
	DefaultPruneInterval     = 400 * time.Second
	DefaultReportInterval    = time.Second
	DefaultReportTimeout     = 2 * time.Second
	DefaultRetentionTTL      = 1200 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("collector already started")
	errNoResult       = errors.New("supplier returned no result")
)

// Deps are the collaborators of an Orchestrator. Display, OnError, Metrics
// and Now are optional.
type Deps struct {
	Scheduler    *scheduler.Scheduler
	Areas        []partition.Area
	Supplier     Supplier
	Deserializer Deserializer
	Cache        *livecache.Cache
	Sink         Sink
	Display      Display
	OnError      scheduler.ErrorHandler
	Log          logx.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Orchestrator drives the three periodic cycles of the collector:
// fetch/merge/flush, retention prune and progress report.
//
// Fetch cycles are serialized by collectMu, which covers exactly one
// fetch/merge/flush pass. Prune and report never take it.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	sweeper *livecache.Sweeper

	collectMu sync.Mutex
	enabled   atomic.Bool
	state     atomic.Int32
	cycles    atomic.Uint64

	mu      sync.Mutex
	started bool
	handles []*scheduler.Handle
	last    CycleStats
	prev    storage.Counters
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	switch {
	case d.Scheduler == nil:
		return nil, errors.New("collector: scheduler is required")
	case d.Supplier == nil:
		return nil, errors.New("collector: supplier is required")
	case d.Deserializer == nil:
		return nil, errors.New("collector: deserializer is required")
	case d.Cache == nil:
		return nil, errors.New("collector: cache is required")
	case d.Sink == nil:
		return nil, errors.New("collector: sink is required")
	case len(d.Areas) == 0:
		return nil, errors.New("collector: no areas")
	}
	cfg = withDefaults(cfg)
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	log := d.Log.With(logx.String("comp", "collector"))

	o := &Orchestrator{
		cfg:  cfg,
		deps: d,
		log:  log,
		now:  d.Now,
		sweeper: &livecache.Sweeper{
			Cache:   d.Cache,
			Policy:  livecache.RetentionPolicy{TTL: cfg.RetentionTTL},
			Now:     d.Now,
			Log:     log,
			Metrics: d.Metrics,
		},
	}
	return o, nil
}

func withDefaults(c Config) Config {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Interval, DefaultInterval)
	def(&c.FetchTimeout, DefaultFetchTimeout)
	def(&c.PruneInterval, DefaultPruneInterval)
	def(&c.ReportInterval, DefaultReportInterval)
	def(&c.ReportTimeout, DefaultReportTimeout)
	def(&c.RetentionTTL, DefaultRetentionTTL)
	if c.PruneInitialDelay < 0 {
		c.PruneInitialDelay = DefaultPruneInitialDelay
	}
	return c
}

func (o *Orchestrator) Config() Config { return o.cfg }

// Start registers the three periodic cycles. The first fetch and report run
// immediately; the first prune runs after PruneInitialDelay.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}

	o.enabled.Store(true)
	o.setState(StateIdle)
	sched := o.deps.Scheduler
	specs := []struct {
		name   string
		delay  time.Duration
		period time.Duration
		run    func(ctx context.Context) error
	}{
		{"collect", 0, o.cfg.Interval, o.collectTick},
		{"prune", o.cfg.PruneInitialDelay, o.cfg.PruneInterval, o.pruneTick},
		{"report", 0, o.cfg.ReportInterval, o.reportTick},
	}
	for _, sp := range specs {
		h, err := sched.SchedulePeriodic(sp.name, sp.delay, sp.period, sp.run)
		if err != nil {
			for _, prev := range o.handles {
				sched.Interrupt(prev)
			}
			o.handles = nil
			o.enabled.Store(false)
			return fmt.Errorf("schedule %s: %w", sp.name, err)
		}
		o.handles = append(o.handles, h)
	}
	o.started = true

	o.log.Info("collector started",
		logx.Int("areas", len(o.deps.Areas)),
		logx.Duration("interval", o.cfg.Interval),
		logx.Duration("prune_interval", o.cfg.PruneInterval),
		logx.Duration("retention_ttl", o.cfg.RetentionTTL),
	)
	return nil
}

// Stop disables the fetch cycle, cancels the three schedules, waits for the
// in-flight cycle to finish and flushes what is left in the sink. Records of
// the last cycle are therefore written at least once.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.enabled.Store(false)
	o.mu.Lock()
	hs := o.handles
	o.handles = nil
	o.mu.Unlock()

	for _, h := range hs {
		o.deps.Scheduler.Interrupt(h)
	}
	for _, h := range hs {
		if err := o.deps.Scheduler.Await(ctx, h); err != nil && errors.Is(err, ctx.Err()) {
			return fmt.Errorf("waiting for %s: %w", h.Name(), ctx.Err())
		}
	}

	if err := o.lockCollect(ctx); err != nil {
		return err
	}
	defer o.collectMu.Unlock()

	o.setState(StateStopped)
	err := o.deps.Sink.Flush(ctx)
	if err != nil {
		o.fail(err)
	}
	if perr := o.pushProgress(ctx); perr != nil {
		o.log.Debug("final progress report failed", logx.Err(perr))
	}
	c := o.deps.Sink.Counters()
	o.log.Info("collector stopped",
		logx.Uint64("cycles", o.cycles.Load()),
		logx.Uint64("frames_written", c.FramesWritten),
		logx.Int("pending", c.Pending),
	)
	return err
}

// lockCollect acquires collectMu unless ctx ends first.
func (o *Orchestrator) lockCollect(ctx context.Context) error {
	locked := make(chan struct{})
	go func() {
		o.collectMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		go func() {
			<-locked
			o.collectMu.Unlock()
		}()
		return fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err())
	}
}

// CollectOnce runs one fetch/merge/flush cycle in the caller's goroutine.
func (o *Orchestrator) CollectOnce(ctx context.Context) (CycleStats, error) {
	o.collectMu.Lock()
	defer o.collectMu.Unlock()
	return o.cycle(ctx)
}

func (o *Orchestrator) collectTick(ctx context.Context) error {
	if !o.enabled.Load() {
		return nil
	}
	o.collectMu.Lock()
	defer o.collectMu.Unlock()
	// Stop may have run while we waited for the lock.
	if !o.enabled.Load() {
		return nil
	}
	_, err := o.cycle(ctx)
	return err
}

// cycle runs with collectMu held.
func (o *Orchestrator) cycle(ctx context.Context) (CycleStats, error) {
	start := o.now()
	st := CycleStats{Seq: o.cycles.Add(1), Started: start, Partitions: len(o.deps.Areas)}
	defer o.setState(StateIdle)

	o.setState(StateFetching)
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	results := o.deps.Supplier.Fetch(fctx, o.deps.Areas)
	cancel()
	if err := ctx.Err(); err != nil {
		return st, err
	}

	o.setState(StateDeserializing)
	batches := make([][]track.Record, 0, len(o.deps.Areas))
	for _, a := range o.deps.Areas {
		res, ok := results[a.ID]
		if !ok && res.Err == nil {
			res.Err = errNoResult
		}
		if res.Err != nil {
			st.FailedPartitions++
			o.fail(&PartitionFetchError{PartitionID: a.ID, Bounds: a.Bounds(), Err: res.Err})
			continue
		}
		st.Frames++
		recs, err := o.deps.Deserializer.Parse(res.Frame)
		if err != nil {
			st.FailedFrames++
			o.fail(&DeserializationError{PartitionID: a.ID, Size: len(res.Frame.Payload), Err: err})
			continue
		}
		batches = append(batches, recs)
	}

	o.setState(StateMerging)
	var advanced []track.Record
	for _, recs := range batches {
		for _, r := range recs {
			st.Records++
			switch o.deps.Cache.Merge(r) {
			case livecache.MergeInserted:
				st.Inserted++
				advanced = append(advanced, r)
			case livecache.MergeUpdated:
				st.Updated++
				advanced = append(advanced, r)
			case livecache.MergeUnchanged:
				st.Unchanged++
			case livecache.MergeStale:
				st.Stale++
			}
		}
	}
	m := o.deps.Metrics
	m.Merged(livecache.MergeInserted.String(), st.Inserted)
	m.Merged(livecache.MergeUpdated.String(), st.Updated)
	m.Merged(livecache.MergeUnchanged.String(), st.Unchanged)
	m.Merged(livecache.MergeStale.String(), st.Stale)
	m.CacheSize(o.deps.Cache.Len())

	o.setState(StateFlushing)
	var flushErr error
	for _, r := range advanced {
		if err := o.deps.Sink.Add(ctx, r); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	if flushErr != nil {
		st.FlushError = flushErr.Error()
		o.fail(flushErr)
	}

	st.Duration = o.now().Sub(start)
	m.CycleDone(st.Duration, st.FailedPartitions, st.FailedFrames)
	o.mu.Lock()
	o.last = st
	o.mu.Unlock()

	o.log.Debug("cycle done",
		logx.Uint64("seq", st.Seq),
		logx.Int("frames", st.Frames),
		logx.Int("failed_partitions", st.FailedPartitions),
		logx.Int("records", st.Records),
		logx.Int("advanced", len(advanced)),
		logx.Duration("took", st.Duration),
	)
	return st, nil
}

// pruneTick hands the sweep to the worker pool as a low-priority daemon task,
// so it never delays the timer pool and never blocks shutdown.
func (o *Orchestrator) pruneTick(context.Context) error {
	_, err := o.deps.Scheduler.Submit(scheduler.Task{
		Name:     "retention-sweep",
		Run:      o.sweeper.Run,
		Priority: scheduler.PriorityLow,
		Daemon:   true,
		Timeout:  -1,
	})
	// Rejections are reported by the scheduler itself.
	if errors.Is(err, scheduler.ErrRejected) || errors.Is(err, scheduler.ErrShutdown) {
		return nil
	}
	return err
}

func (o *Orchestrator) reportTick(ctx context.Context) error {
	return o.pushProgress(ctx)
}

// pushProgress sends the counter deltas since the previous sample to the
// display, bounded by ReportTimeout.
func (o *Orchestrator) pushProgress(ctx context.Context) error {
	if o.deps.Display == nil {
		return nil
	}
	c := o.deps.Sink.Counters()
	o.mu.Lock()
	prev := o.prev
	o.prev = c
	o.mu.Unlock()

	p := Progress{
		At:            o.now(),
		Frames:        c.FramesWritten - prev.FramesWritten,
		NewAircraft:   c.NewAircraft - prev.NewAircraft,
		NewFlights:    c.NewFlights - prev.NewFlights,
		TotalFrames:   c.FramesWritten,
		TotalAircraft: c.NewAircraft,
		TotalFlights:  c.NewFlights,
		Pending:       c.Pending,
		Dropped:       c.Dropped,
		Live:          o.deps.Cache.Len(),
		State:         o.State(),
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ReportTimeout)
	defer cancel()
	return o.deps.Display.Update(rctx, p)
}

func (o *Orchestrator) fail(err error) {
	if o.deps.OnError == nil {
		o.log.Warn("collector error", logx.Err(err))
		return
	}
	o.deps.OnError.Handle(err)
}

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	last := o.last
	o.mu.Unlock()
	return Snapshot{
		State:   o.State().String(),
		Enabled: o.enabled.Load(),
		Cycles:  o.cycles.Load(),
		Last:    last,
		Live:    o.deps.Cache.Len(),
		Sink:    o.deps.Sink.Counters(),
	}
}
