// Package metrics holds the prometheus collectors of the collector process.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flightcollector"

type Metrics struct {
	reg *prometheus.Registry

	poolLive     prometheus.Gauge
	poolIdle     prometheus.Gauge
	poolRejected prometheus.Counter
	taskOutcomes *prometheus.CounterVec
	tickFailures *prometheus.CounterVec

	cycleDuration    prometheus.Histogram
	partitionsFailed prometheus.Counter
	framesFailed     prometheus.Counter
	recordsMerged    *prometheus.CounterVec

	cacheSize prometheus.Gauge
	evicted   prometheus.Counter

	sinkFlushes *prometheus.CounterVec
	sinkRecords prometheus.Counter
	sinkDropped prometheus.Counter
	sinkPending prometheus.Gauge

	upstreamRequests *prometheus.CounterVec
	breakerState     prometheus.Gauge

	errorsByKind *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		poolLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "workers",
			Help: "Live worker goroutines in the task pool",
		}),
		poolIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle_workers",
			Help: "Workers waiting for a handoff",
		}),
		poolRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "rejected_total",
			Help: "Submissions rejected because every worker was busy",
		}),
		taskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_total",
			Help: "Finished one-shot tasks by kind and outcome",
		}, []string{"kind", "outcome"}),
		tickFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_failures_total",
			Help: "Failed periodic ticks by schedule name",
		}, []string{"name"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "collector", Name: "cycle_duration_seconds",
			Help:    "Duration of fetch/merge/flush cycles",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		}),
		partitionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "partition_failures_total",
			Help: "Partitions whose fetch failed",
		}),
		framesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "frame_failures_total",
			Help: "Frames that could not be deserialized",
		}),
		recordsMerged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "records_merged_total",
			Help: "Records merged into the live cache by result",
		}, []string{"result"}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Entries in the live cache",
		}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evicted_total",
			Help: "Entries evicted by the retention sweeper",
		}),
		sinkFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "flushes_total",
			Help: "Batch flushes by outcome",
		}, []string{"outcome"}),
		sinkRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "records_written_total",
			Help: "Records written to the durable store",
		}),
		sinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "records_dropped_total",
			Help: "Pending records dropped after repeated flush failures",
		}),
		sinkPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sink", Name: "pending",
			Help: "Records waiting for the next flush",
		}),
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "requests_total",
			Help: "Feed requests by outcome (ok, failed, rejected)",
		}, []string{"outcome"}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "breaker_state",
			Help: "Feed circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		errorsByKind: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Errors routed to the central error handler by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) PoolWorkers(live, idle int) {
	if m == nil {
		return
	}
	m.poolLive.Set(float64(live))
	m.poolIdle.Set(float64(idle))
}

func (m *Metrics) PoolRejected() {
	if m == nil {
		return
	}
	m.poolRejected.Inc()
}

func (m *Metrics) TaskFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) TickFailed(name string) {
	if m == nil {
		return
	}
	m.tickFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) CycleDone(d time.Duration, failedPartitions, failedFrames int) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	m.partitionsFailed.Add(float64(failedPartitions))
	m.framesFailed.Add(float64(failedFrames))
}

func (m *Metrics) Merged(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsMerged.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) Flushed(ok bool, records int) {
	if m == nil {
		return
	}
	if !ok {
		m.sinkFlushes.WithLabelValues("failed").Inc()
		return
	}
	m.sinkFlushes.WithLabelValues("ok").Inc()
	m.sinkRecords.Add(float64(records))
}

func (m *Metrics) SinkDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sinkDropped.Add(float64(n))
}

func (m *Metrics) SinkPending(n int) {
	if m == nil {
		return
	}
	m.sinkPending.Set(float64(n))
}

func (m *Metrics) UpstreamRequest(outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}
