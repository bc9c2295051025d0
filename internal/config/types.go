package config

// Config is the on-disk shape (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "20m").
// Omitted or zero values fall back to defaults in Resolve.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Collector  CollectorConfig  `json:"collector"`
	Partitions PartitionsConfig `json:"partitions"`
	Supplier   SupplierConfig   `json:"supplier"`
	Storage    StorageConfig    `json:"storage"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the worker pool and the timer pool.
//
// Defaults:
//   - workers: 20
//   - keep_alive: "4s"
//   - default_timeout: "15s" (one-shot tasks without an explicit timeout)
//   - shutdown_timeout: "10s"
type SchedulerConfig struct {
	Workers         int    `json:"workers,omitempty"`
	KeepAlive       string `json:"keep_alive,omitempty"`
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type CollectorConfig struct {
	Interval          string `json:"interval,omitempty"`
	FetchTimeout      string `json:"fetch_timeout,omitempty"`
	PruneInitialDelay string `json:"prune_initial_delay,omitempty"`
	PruneInterval     string `json:"prune_interval,omitempty"`
	ReportInterval    string `json:"report_interval,omitempty"`
	ReportTimeout     string `json:"report_timeout,omitempty"`
	RetentionTTL      string `json:"retention_ttl,omitempty"`

	BatchThreshold int `json:"batch_threshold,omitempty"`
	MaxPending     int `json:"max_pending,omitempty"`
	CacheShards    int `json:"cache_shards,omitempty"`
}

// PartitionsConfig describes the raster laid over the covered region.
// A zero value covers the whole world in 10x10 degree cells.
type PartitionsConfig struct {
	LatStep float64  `json:"lat_step,omitempty"`
	LonStep float64  `json:"lon_step,omitempty"`
	MinLat  *float64 `json:"min_lat,omitempty"`
	MaxLat  *float64 `json:"max_lat,omitempty"`
	MinLon  *float64 `json:"min_lon,omitempty"`
	MaxLon  *float64 `json:"max_lon,omitempty"`
}

type SupplierConfig struct {
	URL            string  `json:"url,omitempty"`
	UserAgent      string  `json:"user_agent,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	Concurrency    int     `json:"concurrency,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`

	// Breaker trips after this many consecutive failed requests and stays
	// open for breaker_open_timeout.
	BreakerFailures    uint32 `json:"breaker_failures,omitempty"`
	BreakerOpenTimeout string `json:"breaker_open_timeout,omitempty"`

	// CallsignPrefixes keeps only flights whose callsign starts with one of
	// these prefixes. Empty keeps everything.
	CallsignPrefixes []string `json:"callsign_prefixes,omitempty"`
}

// StorageConfig controls the durable store behind the batch sink.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/flights.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz, pprof).
//
// Prefer binding to localhost; pprof is only mounted when enabled explicitly.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
