package storage

import (
	"context"
	"sync"

	"flightcollector/internal/track"
)

// Memory keeps everything in process. Its contents are lost on exit.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	frames   []track.Record
	aircraft map[string]struct{}
	flights  map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{aircraft: map[string]struct{}{}, flights: map[string]struct{}{}}
}

func (m *Memory) WriteBatch(ctx context.Context, batch []track.Record) (WriteStats, error) {
	var st WriteStats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return st, ErrClosed
	}
	for _, r := range batch {
		if r.ICAO24 != "" && !has(m.aircraft, r.ICAO24) {
			m.aircraft[r.ICAO24] = struct{}{}
			st.NewAircraft++
		}
		if !has(m.flights, r.ID) {
			m.flights[r.ID] = struct{}{}
			st.NewFlights++
		}
		m.frames = append(m.frames, r)
	}
	st.Frames = len(batch)
	return st, nil
}

// Frames returns a copy of every record written so far.
func (m *Memory) Frames() []track.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]track.Record, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
