package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestSQLiteStoreReportsNewIdentities(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "flights.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	first := []track.Record{
		{ID: "2f1a", ICAO24: "3c6444", Callsign: "DLH4AB", LastSeen: t0},
		{ID: "2f1b", ICAO24: "3c6444", Callsign: "DLH4AC", LastSeen: t0},
		{ID: "2f1c", ICAO24: "", LastSeen: t0},
	}
	ws, err := st.WriteBatch(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, WriteStats{Frames: 3, NewAircraft: 1, NewFlights: 3}, ws)

	second := []track.Record{
		{ID: "2f1a", ICAO24: "3c6444", LastSeen: t0.Add(5 * time.Second), Altitude: 1200},
		{ID: "2f1d", ICAO24: "4ca7b5", LastSeen: t0.Add(5 * time.Second)},
	}
	ws, err = st.WriteBatch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, WriteStats{Frames: 2, NewAircraft: 1, NewFlights: 1}, ws)

	aircraft, flights, frames, err := st.(*sqliteStore).counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, aircraft)
	assert.Equal(t, 4, flights)
	assert.Equal(t, 5, frames)

	var lastSeen int64
	require.NoError(t, st.(*sqliteStore).db.QueryRowContext(ctx,
		`SELECT last_seen FROM flights WHERE id = ?`, "2f1a").Scan(&lastSeen))
	assert.Equal(t, t0.Add(5*time.Second).Unix(), lastSeen)
}

func TestSQLiteStoreClosed(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "f.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err = st.WriteBatch(context.Background(), recs(1, "f"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStoreRebuildsKnownIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "flights.db")}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	ws, err := st.WriteBatch(ctx, []track.Record{
		{ID: "2f1a", ICAO24: "3c6444", LastSeen: t0},
		{ID: "2f1a", ICAO24: "3c6444", LastSeen: t0.Add(time.Second)},
	})
	require.NoError(t, err)
	assert.Equal(t, WriteStats{Frames: 2, NewAircraft: 1, NewFlights: 1}, ws)

	// Reopen without a clean close: the journal alone rebuilds the sets.
	fs := st.(*fileStore)
	require.NoError(t, fs.framesFile.Close())
	require.NoError(t, fs.journalFile.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	ws, err = st.WriteBatch(ctx, []track.Record{
		{ID: "2f1a", ICAO24: "3c6444", LastSeen: t0.Add(2 * time.Second)},
		{ID: "2f1b", ICAO24: "3c6444", LastSeen: t0.Add(2 * time.Second)},
	})
	require.NoError(t, err)
	assert.Equal(t, WriteStats{Frames: 2, NewAircraft: 0, NewFlights: 1}, ws)
	require.NoError(t, st.Close())

	// After a clean close the snapshot carries the sets and the journal is empty.
	journal, err := os.ReadFile(filepath.Join(dir, "flights.known.journal.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, journal)

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	ws, err = st.WriteBatch(ctx, []track.Record{{ID: "2f1b", ICAO24: "3c6444", LastSeen: t0}})
	require.NoError(t, err)
	assert.Equal(t, WriteStats{Frames: 1}, ws)
	require.NoError(t, st.Close())

	frames, err := os.ReadFile(filepath.Join(dir, "flights.frames.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(frames), "\n"))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ws, err := m.WriteBatch(context.Background(), recs(3, "f"))
	require.NoError(t, err)
	assert.Equal(t, 3, ws.Frames)
	assert.Len(t, m.Frames(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.WriteBatch(ctx, recs(1, "g"))
	assert.ErrorIs(t, err, context.Canceled)
}
