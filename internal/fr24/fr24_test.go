package fr24

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flightcollector/internal/partition"
	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
	"full_count": 13018,
	"version": 4,
	"2f1a9c3e": ["3C6444", 50.03, 8.57, 250, 3275, 180, "1000", "F-EDDF1", "A321", "D-AIDA", 1714564800, "FRA", "LHR", "LH900", 0, 1472, "DLH900", 0, "DLH"],
	"2f1a9c3f": ["4CA7B5", 51.47, -0.45, 90, 0, 12, "", "F-EGLL2", "B738", "EI-DAC", 0, "LHR", "DUB", "FR123", 1, 0, "RYR123", 0],
	"2f1a9c40": ["ABCDEF", "bad", 1.0, 0, 0, 0, "", "", "", "", 0, "", "", "", 0, 0, "X"],
	"2f1a9c41": ["ABCDEF", 1.0],
	"stats": {"total": {"ads-b": 1}}
}`

func TestDeserializerParsesRows(t *testing.T) {
	fetched := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	d := NewDeserializer()
	recs, err := d.Parse(track.Frame{PartitionID: "p0007", FetchedAt: fetched, Payload: []byte(samplePayload)})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), d.Skipped())

	lh := recs[0]
	assert.Equal(t, "2f1a9c3e", lh.ID)
	assert.Equal(t, "3c6444", lh.ICAO24)
	assert.InDelta(t, 50.03, lh.Lat, 1e-9)
	assert.InDelta(t, 8.57, lh.Lon, 1e-9)
	assert.Equal(t, 250, lh.Heading)
	assert.Equal(t, 3275, lh.Altitude)
	assert.Equal(t, 180, lh.Speed)
	assert.Equal(t, "1000", lh.Squawk)
	assert.Equal(t, "A321", lh.AircraftType)
	assert.Equal(t, "D-AIDA", lh.Registration)
	assert.Equal(t, "FRA", lh.Origin)
	assert.Equal(t, "LHR", lh.Destination)
	assert.Equal(t, "LH900", lh.FlightNumber)
	assert.Equal(t, 1472, lh.VerticalRate)
	assert.Equal(t, "DLH900", lh.Callsign)
	assert.Equal(t, "DLH", lh.Airline)
	assert.False(t, lh.OnGround)
	assert.Equal(t, time.Unix(1714564800, 0).UTC(), lh.LastSeen)
	assert.Equal(t, "p0007", lh.PartitionID)

	ry := recs[1]
	assert.True(t, ry.OnGround)
	assert.Empty(t, ry.Airline)
	assert.Equal(t, fetched, ry.LastSeen, "a missing timestamp falls back to fetch time")
}

func TestDeserializerRejectsUndecodablePayload(t *testing.T) {
	_, err := NewDeserializer().Parse(track.Frame{Payload: []byte("<html>rate limited</html>")})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDeserializerCallsignFilter(t *testing.T) {
	d := NewDeserializer(" dlh ", "")
	recs, err := d.Parse(track.Frame{Payload: []byte(samplePayload)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "DLH900", recs[0].Callsign)
	assert.Equal(t, uint64(1), d.Filtered())

	d.SetFilter()
	recs, err = d.Parse(track.Frame{Payload: []byte(samplePayload)})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func testAreas(t *testing.T, n int) []partition.Area {
	t.Helper()
	p, err := partition.New(partition.World())
	require.NoError(t, err)
	return p.Areas()[:n]
}

func TestSupplierFetchesEveryArea(t *testing.T) {
	var seen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("faa"))
		assert.Equal(t, "0", q.Get("vehicles"))
		assert.Equal(t, "14400", q.Get("maxage"))
		assert.Equal(t, "ua-test", r.Header.Get("User-Agent"))
		if strings.HasPrefix(q.Get("bounds"), "90,80,-170,") {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"full_count":0,"version":4}`))
	}))
	defer srv.Close()

	areas := testAreas(t, 4)
	s := NewSupplier(SupplierConfig{URL: srv.URL, UserAgent: "ua-test", Concurrency: 2}, logx.Nop())
	res := s.Fetch(context.Background(), areas)

	require.Len(t, res, 4)
	assert.Equal(t, int32(4), seen.Load())
	for i, a := range areas {
		r, ok := res[a.ID]
		require.True(t, ok)
		if i == 1 {
			var se *StatusError
			require.ErrorAs(t, r.Err, &se)
			assert.Equal(t, http.StatusBadGateway, se.Code)
			continue
		}
		require.NoError(t, r.Err, a.ID)
		assert.Equal(t, a.ID, r.Frame.PartitionID)
		assert.JSONEq(t, `{"full_count":0,"version":4}`, string(r.Frame.Payload))
	}
}

func TestSupplierBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	areas := testAreas(t, 6)
	s := NewSupplier(SupplierConfig{
		URL:                srv.URL,
		Concurrency:        1,
		BreakerFailures:    3,
		BreakerOpenTimeout: time.Hour,
	}, logx.Nop())
	res := s.Fetch(context.Background(), areas)

	assert.Equal(t, int32(3), hits.Load())
	rejected := 0
	for _, r := range res {
		require.Error(t, r.Err)
		if errors.Is(r.Err, gobreaker.ErrOpenState) {
			rejected++
		}
	}
	assert.Equal(t, 3, rejected)
}

func TestSupplierHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s := NewSupplier(SupplierConfig{URL: srv.URL, Concurrency: 4, BreakerFailures: 1}, logx.Nop())
	res := s.Fetch(ctx, testAreas(t, 2))
	for _, r := range res {
		assert.Error(t, r.Err)
	}
}
