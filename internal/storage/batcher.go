package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flightcollector/internal/metrics"
	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"
)

const DefaultBatchThreshold = 800

// BatcherConfig tunes a Batcher. MaxPending bounds the backlog kept across
// failed flushes; 0 means 8x Threshold.
type BatcherConfig struct {
	Threshold  int
	MaxPending int
}

// Batcher accumulates records and writes them to a Store once Threshold of
// them are pending, or on Flush. Records of a failed flush stay pending and
// are retried with the next flush.
//
// Counters are monotonic and safe to read while a flush is running.
type Batcher struct {
	store Store
	cfg   BatcherConfig
	log   logx.Logger
	m     *metrics.Metrics

	mu      sync.Mutex
	pending []track.Record
	// auto-flush trigger; raised by Threshold after each failure
	nextAt int

	pendingN      atomic.Int64
	framesWritten atomic.Uint64
	newAircraft   atomic.Uint64
	newFlights    atomic.Uint64
	flushes       atomic.Uint64
	flushFailures atomic.Uint64
	dropped       atomic.Uint64
}

func NewBatcher(store Store, cfg BatcherConfig, log logx.Logger, m *metrics.Metrics) *Batcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBatchThreshold
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = cfg.Threshold * 8
	}
	if cfg.MaxPending < cfg.Threshold {
		cfg.MaxPending = cfg.Threshold
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Batcher{
		store:   store,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "batcher")),
		m:       m,
		pending: make([]track.Record, 0, cfg.Threshold),
		nextAt:  cfg.Threshold,
	}
}

func (b *Batcher) Config() BatcherConfig { return b.cfg }

// Add appends rec and flushes when the threshold is reached. The returned
// error is that of the triggered flush; rec itself is always accepted.
func (b *Batcher) Add(ctx context.Context, rec track.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, rec)
	b.setPending()
	if len(b.pending) < b.nextAt {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush writes everything pending.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *Batcher) Pending() int { return int(b.pendingN.Load()) }

func (b *Batcher) Counters() Counters {
	return Counters{
		FramesWritten: b.framesWritten.Load(),
		NewAircraft:   b.newAircraft.Load(),
		NewFlights:    b.newFlights.Load(),
		Flushes:       b.flushes.Load(),
		FlushFailures: b.flushFailures.Load(),
		Dropped:       b.dropped.Load(),
		Pending:       b.Pending(),
	}
}

func (b *Batcher) flushLocked(ctx context.Context) error {
	n := len(b.pending)
	if n == 0 {
		return nil
	}
	start := time.Now()
	st, err := b.store.WriteBatch(ctx, b.pending)
	if err != nil {
		b.flushFailures.Add(1)
		b.m.Flushed(false, n)
		dropped := b.trimLocked()
		b.nextAt = len(b.pending) + b.cfg.Threshold
		b.setPending()
		b.log.Warn("batch flush failed",
			logx.Int("records", n),
			logx.Int("dropped", dropped),
			logx.Int("pending", len(b.pending)),
			logx.Err(err),
		)
		return &FlushError{Records: n, Dropped: dropped, Err: err}
	}

	b.flushes.Add(1)
	b.framesWritten.Add(uint64(st.Frames))
	b.newAircraft.Add(uint64(st.NewAircraft))
	b.newFlights.Add(uint64(st.NewFlights))
	b.m.Flushed(true, st.Frames)

	clear(b.pending)
	b.pending = b.pending[:0]
	b.nextAt = b.cfg.Threshold
	b.setPending()

	b.log.Debug("batch flushed",
		logx.Int("frames", st.Frames),
		logx.Int("new_flights", st.NewFlights),
		logx.Int("new_aircraft", st.NewAircraft),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// trimLocked drops the oldest records beyond MaxPending.
func (b *Batcher) trimLocked() int {
	over := len(b.pending) - b.cfg.MaxPending
	if over <= 0 {
		return 0
	}
	kept := make([]track.Record, b.cfg.MaxPending, b.cfg.MaxPending+b.cfg.Threshold)
	copy(kept, b.pending[over:])
	b.pending = kept
	b.dropped.Add(uint64(over))
	b.m.SinkDropped(over)
	return over
}

func (b *Batcher) setPending() {
	b.pendingN.Store(int64(len(b.pending)))
	b.m.SinkPending(len(b.pending))
}
