package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"flightcollector/internal/collector"
	"flightcollector/internal/config"
	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedPayload = `{
	"full_count": 2,
	"version": 4,
	"2f1a9c3e": ["3C6444", 50.03, 8.57, 250, 3275, 180, "1000", "F-EDDF1", "A321", "D-AIDA", 1714564800, "FRA", "LHR", "LH900", 0, 1472, "DLH900", 0, "DLH"],
	"2f1a9c3f": ["4CA7B5", 51.47, -0.45, 90, 0, 12, "", "F-EGLL2", "B738", "EI-DAC", 1714564805, "LHR", "DUB", "FR123", 1, 0, "RYR123", 0]
}`

func feedServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(feedPayload))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(feedURL string) string {
	return fmt.Sprintf(`{
	"logging": {"level": "debug"},
	"scheduler": {"workers": 4, "shutdown_timeout": "2s"},
	"collector": {
		"interval": "50ms",
		"report_interval": "20ms",
		"prune_initial_delay": "1h",
		"batch_threshold": 1
	},
	"partitions": {"lat_step": 90, "lon_step": 180},
	"supplier": {"url": %q, "rate_per_sec": 1000, "burst": 10},
	"storage": {"driver": "memory"}
}`, feedURL)
}

func TestAppRunsAndStops(t *testing.T) {
	srv, hits := feedServer(t)
	a, err := New(writeConfig(t, testConfig(srv.URL)), Options{Log: logx.Nop()})
	require.NoError(t, err)
	assert.Len(t, a.Partitioner().Areas(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return a.Status().Collector.Cycles >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, a.Health())
	assert.GreaterOrEqual(t, hits.Load(), int32(8))

	st := a.Status()
	assert.Equal(t, 4, st.Areas)
	assert.Equal(t, 2, st.Collector.Live)
	assert.Empty(t, st.Errors)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	snap := a.Collector().Snapshot()
	assert.Equal(t, collector.StateStopped.String(), snap.State)
	assert.Zero(t, snap.Sink.Pending)
	assert.GreaterOrEqual(t, snap.Sink.FramesWritten, uint64(2))
	assert.EqualValues(t, 2, snap.Sink.NewAircraft)
	assert.Error(t, a.Health())

	select {
	case <-a.Done():
	default:
		t.Fatal("run context still alive after Stop")
	}
	assert.NoError(t, a.Err())
}

func TestRunOnce(t *testing.T) {
	srv, _ := feedServer(t)
	a, err := New(writeConfig(t, testConfig(srv.URL)), Options{Log: logx.Nop()})
	require.NoError(t, err)

	st, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Frames)
	assert.Zero(t, st.FailedPartitions)

	c := a.Sink().Counters()
	assert.Zero(t, c.Pending)
	assert.EqualValues(t, 2, c.NewAircraft)
	assert.EqualValues(t, 2, c.NewFlights)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(writeConfig(t, `{"storage": {"driver": "postgres"}}`), Options{Log: logx.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")

	_, err = New(filepath.Join(t.TempDir(), "missing.json"), Options{Log: logx.Nop()})
	assert.Error(t, err)
}

func TestApplyConfigSwapsCallsignFilter(t *testing.T) {
	srv, _ := feedServer(t)
	a, err := New(writeConfig(t, testConfig(srv.URL)), Options{Log: logx.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Scheduler().ShutdownNow() })

	frame := track.Frame{PartitionID: "p0", FetchedAt: time.Now(), Payload: []byte(feedPayload)}
	recs, err := a.decoder.Parse(frame)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	prev := a.cfgm.Get()
	next := *prev
	next.Supplier.CallsignPrefixes = []string{"DLH"}
	a.applyConfig(prev, &next)

	recs, err = a.decoder.Parse(frame)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "DLH900", recs[0].Callsign)

	// An invalid reload leaves the filter alone.
	bad := next
	bad.Supplier.CallsignPrefixes = nil
	bad.Storage = config.StorageConfig{Driver: "postgres"}
	a.applyConfig(&next, &bad)
	recs, err = a.decoder.Parse(frame)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
