package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"flightcollector/internal/collector"
	"flightcollector/internal/config"
	"flightcollector/internal/errs"
	"flightcollector/internal/fr24"
	"flightcollector/internal/livecache"
	"flightcollector/internal/metrics"
	"flightcollector/internal/observability/ops"
	"flightcollector/internal/partition"
	rtsup "flightcollector/internal/runtime/supervisor"
	"flightcollector/internal/storage"
	"flightcollector/internal/task/scheduler"
	logx "flightcollector/pkg/logx"
)

// App owns every long-lived component of the collector.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	res  *config.Resolved
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	metrics  *metrics.Metrics
	reporter *errs.Reporter
	sched    *scheduler.Scheduler
	parts    *partition.Partitioner
	supplier *fr24.Supplier
	decoder  *fr24.Deserializer
	cache    *livecache.Cache
	store    storage.Store
	sink     *storage.Batcher
	coll     *collector.Orchestrator
	ops      *ops.Service

	mu       sync.Mutex
	watchers []*scheduler.Handle
}

// Options adjust how New builds the app. They exist for tests and for the
// one-shot CLI commands.
type Options struct {
	// Log replaces the configured logging service.
	Log logx.Logger
}

// New loads cfgPath and wires the collector. Nothing runs until Start.
func New(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	var logSvc *logx.Service
	log := opt.Log
	if log.IsZero() {
		logSvc, log = logx.New(mapLogging(res.Logging))
	}
	log = log.With(logx.String("comp", "app"))

	m := metrics.New()
	reporter := errs.NewReporter(log, m, errs.DefaultThrottle)

	parts, err := partition.New(mapPartitions(res))
	if err != nil {
		closeLogs(logSvc)
		return nil, fmt.Errorf("partitions: %w", err)
	}

	store, err := storage.Open(mapStorage(res), log)
	if err != nil {
		closeLogs(logSvc)
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", res.Storage.Driver), logx.String("path", res.Storage.Path))

	sched := scheduler.New(mapScheduler(res), log, reporter,
		scheduler.WithMetrics(m),
		scheduler.WithRejectionHandler(reporter.Rejected),
	)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		res:      res,
		log:      log,
		logs:     logSvc,
		metrics:  m,
		reporter: reporter,
		sched:    sched,
		parts:    parts,
		supplier: fr24.NewSupplier(mapSupplier(res), log, fr24.WithMetrics(m)),
		decoder:  fr24.NewDeserializer(res.Supplier.CallsignPrefixes...),
		cache:    livecache.New(res.Collector.CacheShards),
		store:    store,
	}
	a.sink = storage.NewBatcher(store, mapBatcher(res), log, m)

	a.coll, err = collector.New(mapCollector(res), collector.Deps{
		Scheduler:    sched,
		Areas:        parts.Areas(),
		Supplier:     a.supplier,
		Deserializer: a.decoder,
		Cache:        a.cache,
		Sink:         a.sink,
		Display:      collector.LogDisplay{Log: log.With(logx.String("comp", "progress"))},
		OnError:      reporter,
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		sched.ShutdownNow()
		_ = store.Close()
		closeLogs(logSvc)
		return nil, err
	}

	a.ops = ops.New(mapOps(res), ops.Handlers{
		Metrics: m.Handler(),
		Health:  a.Health,
		Status:  func() any { return a.Status() },
	}, log)

	return a, nil
}

func closeLogs(s *logx.Service) {
	if s != nil {
		_ = s.Close()
	}
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Config() *config.Resolved { return a.res }
func (a *App) Partitioner() *partition.Partitioner { return a.parts }
func (a *App) Collector() *collector.Orchestrator { return a.coll }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Errors() *errs.Reporter { return a.reporter }
func (a *App) Ops() *ops.Service { return a.ops }
func (a *App) Cache() *livecache.Cache { return a.cache }
func (a *App) Sink() *storage.Batcher { return a.sink }

// Done is closed when the app run context ends (Stop, parent cancel or a
// fatal error in a supervised goroutine).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health is nil while the scheduler accepts work and the collector runs.
func (a *App) Health() error {
	if a.sched.Snapshot().ShuttingDown {
		return errors.New("scheduler shutting down")
	}
	if st := a.coll.State(); st == collector.StateStopped {
		return errors.New("collector stopped")
	}
	return nil
}

// Status is the document served on /status.
type Status struct {
	Collector collector.Snapshot `json:"collector"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Errors    map[string]uint64  `json:"errors"`
	Areas     int                `json:"areas"`
}

func (a *App) Status() Status {
	return Status{
		Collector: a.coll.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Errors:    a.reporter.Counts(),
		Areas:     len(a.parts.Areas()),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.ops.Start(a.sup.Context())

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	watch, err := a.sched.RunDetached(scheduler.Task{
		Name:     "config-watch",
		Priority: scheduler.PriorityLow,
		Daemon:   true,
		Run:      a.cfgm.Watch,
	})
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("config watch: %w", err)
	}
	a.mu.Lock()
	a.watchers = append(a.watchers, watch)
	a.mu.Unlock()

	if err := a.coll.Start(); err != nil {
		a.sup.Cancel()
		return err
	}
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("areas", len(a.parts.Areas())),
		logx.Int("workers", a.res.Scheduler.Workers),
	)
	return nil
}

// reloadLoop applies hot-reloadable sections: logging and the callsign
// filter. Everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	res, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	var applied, restart []string
	if config.LoggingChanged(prev, next) {
		if a.logs != nil {
			a.logs.Apply(mapLogging(res.Logging))
		}
		applied = append(applied, "logging")
	}
	if prev == nil || !reflect.DeepEqual(prev.Supplier.CallsignPrefixes, next.Supplier.CallsignPrefixes) {
		a.decoder.SetFilter(res.Supplier.CallsignPrefixes...)
		applied = append(applied, "supplier.callsign_prefixes")
	}
	if prev != nil {
		ps, ns := prev.Supplier, next.Supplier
		ps.CallsignPrefixes, ns.CallsignPrefixes = nil, nil
		for name, changed := range map[string]bool{
			"scheduler":  prev.Scheduler != next.Scheduler,
			"collector":  prev.Collector != next.Collector,
			"partitions": !reflect.DeepEqual(prev.Partitions, next.Partitions),
			"supplier":   !reflect.DeepEqual(ps, ns),
			"storage":    prev.Storage != next.Storage,
			"ops":        prev.Ops != next.Ops,
		} {
			if changed {
				restart = append(restart, name)
			}
		}
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.Any("sections", restart))
	}
	if len(applied) > 0 {
		a.log.Info("config reloaded", logx.Any("applied", applied))
	} else {
		a.log.Info("config reloaded (nothing applied live)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	shutdown := a.res.Scheduler.ShutdownTimeout

	// The in-flight cycle completes and the remaining batch is flushed.
	step("collector", shutdown, a.coll.Stop)
	step("config", time.Second, func(c context.Context) error {
		a.mu.Lock()
		ws := a.watchers
		a.watchers = nil
		a.mu.Unlock()
		for _, h := range ws {
			a.sched.Interrupt(h)
			_ = a.sched.Await(c, h)
		}
		return nil
	})
	step("scheduler", shutdown+time.Second, func(context.Context) error {
		if a.sched.Shutdown(shutdown) {
			return nil
		}
		a.sched.ShutdownNow()
		return errors.New("scheduler did not drain; terminated")
	})
	a.sup.Cancel()
	step("ops", time.Second, a.ops.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	c := a.sink.Counters()
	a.log.Info("stopped",
		logx.Uint64("frames_written", c.FramesWritten),
		logx.Uint64("new_aircraft", c.NewAircraft),
		logx.Uint64("new_flights", c.NewFlights),
		logx.Uint64("dropped", c.Dropped),
		logx.Uint64("errors", a.reporter.Total()),
	)
	closeLogs(a.logs)
	return nil
}

// RunOnce runs a single collect cycle without the periodic schedules, flushes
// the sink and releases every resource. The app cannot be started afterwards.
func (a *App) RunOnce(ctx context.Context) (collector.CycleStats, error) {
	defer closeLogs(a.logs)
	defer func() { _ = a.store.Close() }()
	defer a.sched.ShutdownNow()

	st, err := a.coll.CollectOnce(ctx)
	if err != nil {
		return st, err
	}
	if err := a.sink.Flush(ctx); err != nil {
		return st, err
	}
	c := a.sink.Counters()
	a.log.Info("collect once done",
		logx.Int("frames", st.Frames),
		logx.Int("records", st.Records),
		logx.Uint64("frames_written", c.FramesWritten),
		logx.Uint64("new_aircraft", c.NewAircraft),
		logx.Uint64("new_flights", c.NewFlights),
	)
	return st, nil
}
