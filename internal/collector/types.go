package collector

import (
	"context"
	"fmt"
	"time"

	"flightcollector/internal/partition"
	"flightcollector/internal/storage"
	"flightcollector/internal/track"
)

// Supplier fetches one frame per area. The result holds one entry per area.
type Supplier interface {
	Fetch(ctx context.Context, areas []partition.Area) map[string]track.FetchResult
}

type Deserializer interface {
	Parse(f track.Frame) ([]track.Record, error)
}

// Sink is the batch-insert side of a cycle.
type Sink interface {
	Add(ctx context.Context, rec track.Record) error
	Flush(ctx context.Context) error
	Counters() storage.Counters
}

// Display receives a progress sample on every report tick.
type Display interface {
	Update(ctx context.Context, p Progress) error
}

type DisplayFunc func(ctx context.Context, p Progress) error

func (f DisplayFunc) Update(ctx context.Context, p Progress) error { return f(ctx, p) }

type Config struct {
	Interval          time.Duration
	FetchTimeout      time.Duration
	PruneInitialDelay time.Duration
	PruneInterval     time.Duration
	ReportInterval    time.Duration
	ReportTimeout     time.Duration
	RetentionTTL      time.Duration
}

// State of the fetch/merge/flush cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDeserializing
	StateMerging
	StateFlushing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDeserializing:
		return "deserializing"
	case StateMerging:
		return "merging"
	case StateFlushing:
		return "flushing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Progress is one report sample. The plain counts are deltas since the
// previous sample; Total* are the running totals.
type Progress struct {
	At          time.Time
	Frames      uint64
	NewAircraft uint64
	NewFlights  uint64

	TotalFrames   uint64
	TotalAircraft uint64
	TotalFlights  uint64

	Pending int
	Dropped uint64
	Live    int
	State   State
}

type CycleStats struct {
	Seq              uint64        `json:"seq"`
	Started          time.Time     `json:"started"`
	Duration         time.Duration `json:"duration"`
	Partitions       int           `json:"partitions"`
	FailedPartitions int           `json:"failed_partitions"`
	Frames           int           `json:"frames"`
	FailedFrames     int           `json:"failed_frames"`
	Records          int           `json:"records"`
	Inserted         int           `json:"inserted"`
	Updated          int           `json:"updated"`
	Unchanged        int           `json:"unchanged"`
	Stale            int           `json:"stale"`
	FlushError       string        `json:"flush_error,omitempty"`
}

type Snapshot struct {
	State   string           `json:"state"`
	Enabled bool             `json:"enabled"`
	Cycles  uint64           `json:"cycles"`
	Last    CycleStats       `json:"last"`
	Live    int              `json:"live"`
	Sink    storage.Counters `json:"sink"`
}

// PartitionFetchError is reported when one area could not be fetched. The
// rest of the cycle is unaffected.
type PartitionFetchError struct {
	PartitionID string
	Bounds      string
	Err         error
}

func (e *PartitionFetchError) Error() string {
	return fmt.Sprintf("fetch partition %s [%s]: %v", e.PartitionID, e.Bounds, e.Err)
}

func (e *PartitionFetchError) Unwrap() error { return e.Err }

// DeserializationError is reported when a fetched frame cannot be decoded.
type DeserializationError struct {
	PartitionID string
	Size        int
	Err         error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("decode frame of %s (%d bytes): %v", e.PartitionID, e.Size, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
