package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"flightcollector/internal/metrics"
	logx "flightcollector/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServiceEndpoints(t *testing.T) {
	m := metrics.New()
	m.Error("partition_fetch")
	var unhealthy atomic.Bool

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, Handlers{
		Metrics: m.Handler(),
		Health: func() error {
			if unhealthy.Load() {
				return errors.New("scheduler shut down")
			}
			return nil
		},
		Status: func() any { return map[string]any{"state": "idle", "cycles": 3} },
	}, logx.Nop())
	s.Start(context.Background())
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := s.Addr(ctx)
	require.NoError(t, err)
	base := "http://" + addr

	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `flightcollector_errors_total{kind="partition_fetch"} 1`)

	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	unhealthy.Store(true)
	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "scheduler shut down")

	code, body = get(t, base+"/status")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"state":"idle","cycles":3}`, body)

	code, _ = get(t, base+"/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, s.Stop(ctx))
	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}

func TestServiceDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, Handlers{}, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Enabled())
	require.NoError(t, s.Stop(context.Background()))
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:9464": true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
