package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flightcollector/internal/track"
)

var ErrClosed = errors.New("store closed")

// Config selects and configures a Store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable side of the batch sink.
type Store interface {
	// WriteBatch persists every record of batch or none of them. The store
	// must not retain batch after returning.
	WriteBatch(ctx context.Context, batch []track.Record) (WriteStats, error)
	Close() error
}

// WriteStats describes one written batch.
type WriteStats struct {
	Frames      int
	NewAircraft int
	NewFlights  int
}

// Counters are monotonic totals of a Batcher. Pending is the current backlog.
type Counters struct {
	FramesWritten uint64 `json:"frames_written"`
	NewAircraft   uint64 `json:"new_aircraft"`
	NewFlights    uint64 `json:"new_flights"`
	Flushes       uint64 `json:"flushes"`
	FlushFailures uint64 `json:"flush_failures"`
	Dropped       uint64 `json:"dropped"`
	Pending       int    `json:"pending"`
}

// FlushError is returned when a batch could not be written. The records stay
// pending unless the backlog overflowed, in which case Dropped tells how many
// of the oldest were discarded.
type FlushError struct {
	Records int
	Dropped int
	Err     error
}

func (e *FlushError) Error() string {
	if e.Dropped > 0 {
		return fmt.Sprintf("flush %d records (dropped %d): %v", e.Records, e.Dropped, e.Err)
	}
	return fmt.Sprintf("flush %d records: %v", e.Records, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }
