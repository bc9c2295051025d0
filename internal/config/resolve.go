package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultWorkers         = 20
	DefaultKeepAlive       = 4 * time.Second
	DefaultTaskTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultInterval          = 5 * time.Second
	DefaultFetchTimeout      = 30 * time.Second
	DefaultPruneInitialDelay = 100 * time.Second
	DefaultPruneInterval     = 400 * time.Second
	DefaultReportInterval    = time.Second
	DefaultReportTimeout     = 2 * time.Second
	DefaultRetentionTTL      = 1200 * time.Second
	DefaultBatchThreshold    = 800
	DefaultCacheShards       = 32

	DefaultLatStep = 10.0
	DefaultLonStep = 10.0

	DefaultSupplierURL     = "https://data-cloud.flightradar24.com/zones/fcgi/feed.js"
	DefaultUserAgent       = "flightcollector/1.0"
	DefaultRatePerSec      = 10.0
	DefaultConcurrency     = 8
	DefaultRequestTimeout  = 10 * time.Second
	DefaultBreakerFailures = 10
	DefaultBreakerOpen     = 30 * time.Second

	DefaultStorageDriver = "sqlite"
	DefaultStoragePath   = "./data/flights.db"
	DefaultBusyTimeout   = 5 * time.Second

	DefaultOpsAddr = "127.0.0.1:9464"
)

// Resolved is Config with defaults applied and durations parsed.
type Resolved struct {
	Logging    LoggingConfig
	Scheduler  SchedulerSettings
	Collector  CollectorSettings
	Partitions PartitionSettings
	Supplier   SupplierSettings
	Storage    StorageSettings
	Ops        OpsSettings
}

type SchedulerSettings struct {
	Workers         int
	KeepAlive       time.Duration
	DefaultTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type CollectorSettings struct {
	Interval          time.Duration
	FetchTimeout      time.Duration
	PruneInitialDelay time.Duration
	PruneInterval     time.Duration
	ReportInterval    time.Duration
	ReportTimeout     time.Duration
	RetentionTTL      time.Duration
	BatchThreshold    int
	MaxPending        int
	CacheShards       int
}

type PartitionSettings struct {
	LatStep, LonStep float64
	MinLat, MaxLat   float64
	MinLon, MaxLon   float64
}

type SupplierSettings struct {
	URL                string
	UserAgent          string
	RatePerSec         float64
	Burst              int
	Concurrency        int
	RequestTimeout     time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	CallsignPrefixes   []string
}

type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type OpsSettings struct {
	Enabled      bool
	Addr         string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Resolve applies defaults and validates cfg. Every problem found is
// reported, joined into one error.
func Resolve(cfg *Config) (*Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	r := &Resolved{Logging: cfg.Logging}
	if strings.TrimSpace(r.Logging.Level) == "" {
		r.Logging.Level = "info"
	}

	s := cfg.Scheduler
	r.Scheduler = SchedulerSettings{
		Workers:         intOr(s.Workers, DefaultWorkers),
		KeepAlive:       dur("scheduler.keep_alive", s.KeepAlive, DefaultKeepAlive),
		DefaultTimeout:  dur("scheduler.default_timeout", s.DefaultTimeout, DefaultTaskTimeout),
		ShutdownTimeout: dur("scheduler.shutdown_timeout", s.ShutdownTimeout, DefaultShutdownTimeout),
	}
	if s.Workers < 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers: must be >= 0"))
	}

	c := cfg.Collector
	r.Collector = CollectorSettings{
		Interval:          dur("collector.interval", c.Interval, DefaultInterval),
		FetchTimeout:      dur("collector.fetch_timeout", c.FetchTimeout, DefaultFetchTimeout),
		PruneInitialDelay: dur("collector.prune_initial_delay", c.PruneInitialDelay, DefaultPruneInitialDelay),
		PruneInterval:     dur("collector.prune_interval", c.PruneInterval, DefaultPruneInterval),
		ReportInterval:    dur("collector.report_interval", c.ReportInterval, DefaultReportInterval),
		ReportTimeout:     dur("collector.report_timeout", c.ReportTimeout, DefaultReportTimeout),
		RetentionTTL:      dur("collector.retention_ttl", c.RetentionTTL, DefaultRetentionTTL),
		BatchThreshold:    intOr(c.BatchThreshold, DefaultBatchThreshold),
		CacheShards:       intOr(c.CacheShards, DefaultCacheShards),
	}
	r.Collector.MaxPending = intOr(c.MaxPending, r.Collector.BatchThreshold*8)
	if r.Collector.MaxPending < r.Collector.BatchThreshold {
		errs = append(errs, fmt.Errorf("collector.max_pending: must be >= batch_threshold (%d)", r.Collector.BatchThreshold))
	}
	if n := r.Collector.CacheShards; n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("collector.cache_shards: %d is not a power of two", n))
	}

	p := cfg.Partitions
	r.Partitions = PartitionSettings{
		LatStep: floatOr(p.LatStep, DefaultLatStep),
		LonStep: floatOr(p.LonStep, DefaultLonStep),
		MinLat:  ptrOr(p.MinLat, -90),
		MaxLat:  ptrOr(p.MaxLat, 90),
		MinLon:  ptrOr(p.MinLon, -180),
		MaxLon:  ptrOr(p.MaxLon, 180),
	}
	if p.LatStep < 0 || p.LonStep < 0 {
		errs = append(errs, errors.New("partitions: steps must be > 0"))
	}

	sp := cfg.Supplier
	r.Supplier = SupplierSettings{
		URL:                strOr(sp.URL, DefaultSupplierURL),
		UserAgent:          strOr(sp.UserAgent, DefaultUserAgent),
		RatePerSec:         floatOr(sp.RatePerSec, DefaultRatePerSec),
		Burst:              intOr(sp.Burst, 1),
		Concurrency:        intOr(sp.Concurrency, DefaultConcurrency),
		RequestTimeout:     dur("supplier.request_timeout", sp.RequestTimeout, DefaultRequestTimeout),
		BreakerFailures:    sp.BreakerFailures,
		BreakerOpenTimeout: dur("supplier.breaker_open_timeout", sp.BreakerOpenTimeout, DefaultBreakerOpen),
		CallsignPrefixes:   append([]string(nil), sp.CallsignPrefixes...),
	}
	if r.Supplier.BreakerFailures == 0 {
		r.Supplier.BreakerFailures = DefaultBreakerFailures
	}

	st := cfg.Storage
	r.Storage = StorageSettings{
		Driver:      strings.ToLower(strOr(st.Driver, DefaultStorageDriver)),
		Path:        strOr(st.Path, DefaultStoragePath),
		BusyTimeout: dur("storage.busy_timeout", st.BusyTimeout, DefaultBusyTimeout),
	}
	switch r.Storage.Driver {
	case "sqlite", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}

	o := cfg.Ops
	r.Ops = OpsSettings{
		Enabled:      o.Enabled,
		Addr:         strOr(o.Addr, DefaultOpsAddr),
		Pprof:        o.Pprof,
		ReadTimeout:  dur("ops.read_timeout", o.ReadTimeout, 10*time.Second),
		WriteTimeout: dur("ops.write_timeout", o.WriteTimeout, 0),
		IdleTimeout:  dur("ops.idle_timeout", o.IdleTimeout, 60*time.Second),
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func ptrOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func strOr(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

// ParseDurationField parses an optional non-negative duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with 0 mapped to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
