package app

import (
	"flightcollector/internal/collector"
	"flightcollector/internal/config"
	"flightcollector/internal/fr24"
	"flightcollector/internal/observability/ops"
	"flightcollector/internal/partition"
	"flightcollector/internal/storage"
	"flightcollector/internal/task/scheduler"
	logx "flightcollector/pkg/logx"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapScheduler(r *config.Resolved) scheduler.Config {
	return scheduler.Config{
		Workers:        r.Scheduler.Workers,
		KeepAlive:      r.Scheduler.KeepAlive,
		DefaultTimeout: r.Scheduler.DefaultTimeout,
	}
}

func mapPartitions(r *config.Resolved) partition.Config {
	p := r.Partitions
	return partition.Config{
		LatStep: p.LatStep,
		LonStep: p.LonStep,
		MinLat:  p.MinLat,
		MaxLat:  p.MaxLat,
		MinLon:  p.MinLon,
		MaxLon:  p.MaxLon,
	}
}

func mapSupplier(r *config.Resolved) fr24.SupplierConfig {
	s := r.Supplier
	return fr24.SupplierConfig{
		URL:                s.URL,
		UserAgent:          s.UserAgent,
		RatePerSec:         s.RatePerSec,
		Burst:              s.Burst,
		Concurrency:        s.Concurrency,
		RequestTimeout:     s.RequestTimeout,
		BreakerFailures:    s.BreakerFailures,
		BreakerOpenTimeout: s.BreakerOpenTimeout,
	}
}

func mapStorage(r *config.Resolved) storage.Config {
	return storage.Config{
		Driver:      r.Storage.Driver,
		Path:        r.Storage.Path,
		BusyTimeout: r.Storage.BusyTimeout,
	}
}

func mapBatcher(r *config.Resolved) storage.BatcherConfig {
	return storage.BatcherConfig{
		Threshold:  r.Collector.BatchThreshold,
		MaxPending: r.Collector.MaxPending,
	}
}

func mapCollector(r *config.Resolved) collector.Config {
	c := r.Collector
	return collector.Config{
		Interval:          c.Interval,
		FetchTimeout:      c.FetchTimeout,
		PruneInitialDelay: c.PruneInitialDelay,
		PruneInterval:     c.PruneInterval,
		ReportInterval:    c.ReportInterval,
		ReportTimeout:     c.ReportTimeout,
		RetentionTTL:      c.RetentionTTL,
	}
}

func mapOps(r *config.Resolved) ops.Config {
	o := r.Ops
	return ops.Config{
		Enabled:      o.Enabled,
		Addr:         o.Addr,
		Pprof:        o.Pprof,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		IdleTimeout:  o.IdleTimeout,
	}
}

// LoadPartitions builds the raster configured in cfgPath without wiring
// anything else.
func LoadPartitions(cfgPath string) (*partition.Partitioner, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return partition.New(mapPartitions(res))
}
