package fr24

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"flightcollector/internal/metrics"
	"flightcollector/internal/partition"
	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultURL            = "https://data-cloud.flightradar24.com/zones/fcgi/feed.js"
	DefaultUserAgent      = "Mozilla/5.0 (X11; Linux x86_64) flightcollector"
	DefaultConcurrency    = 8
	DefaultRequestTimeout = 10 * time.Second

	maxPayload = 8 << 20
)

// feed flags sent with every request, besides bounds.
var feedQuery = [][2]string{
	{"faa", "1"}, {"satellite", "1"}, {"mlat", "1"}, {"flarm", "1"}, {"adsb", "1"},
	{"gnd", "1"}, {"air", "1"}, {"vehicles", "0"}, {"estimated", "1"}, {"maxage", "14400"},
	{"gliders", "1"}, {"stats", "0"},
}

// StatusError is a non-200 answer from the feed.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "feed status " + e.Status }

type SupplierConfig struct {
	URL            string
	UserAgent      string
	RatePerSec     float64 // 0 disables pacing
	Burst          int
	Concurrency    int
	RequestTimeout time.Duration

	// The breaker opens after BreakerFailures consecutive failures and
	// probes again after BreakerOpenTimeout. BreakerFailures 0 disables it.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// Supplier fetches one raw frame per area from the live feed.
type Supplier struct {
	cfg     SupplierConfig
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     logx.Logger
	m       *metrics.Metrics
	now     func() time.Time
}

type SupplierOption func(*Supplier)

func WithHTTPClient(c *http.Client) SupplierOption {
	return func(s *Supplier) { s.client = c }
}

func WithMetrics(m *metrics.Metrics) SupplierOption {
	return func(s *Supplier) { s.m = m }
}

func WithClock(now func() time.Time) SupplierOption {
	return func(s *Supplier) { s.now = now }
}

func NewSupplier(cfg SupplierConfig, log logx.Logger, opts ...SupplierOption) *Supplier {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Supplier{
		cfg: cfg,
		log: log.With(logx.String("comp", "fr24.supplier")),
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	if cfg.BreakerFailures > 0 {
		s.cb = s.newBreaker()
	}
	return s
}

func (s *Supplier) newBreaker() *gobreaker.CircuitBreaker[[]byte] {
	s.m.BreakerState(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "fr24-feed",
		MaxRequests: 1,
		Timeout:     s.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.cfg.BreakerFailures
		},
		// Our own cancellation says nothing about the feed.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("feed breaker state", logx.String("from", from.String()), logx.String("to", to.String()))
			s.m.BreakerState(stateValue(to))
		},
	})
}

// Fetch requests every area concurrently, at most Concurrency at a time, and
// returns one result per area keyed by area ID. A failing area never affects
// the others.
func (s *Supplier) Fetch(ctx context.Context, areas []partition.Area) map[string]track.FetchResult {
	out := make(map[string]track.FetchResult, len(areas))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Concurrency)
	)
	for _, a := range areas {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			out[a.ID] = track.FetchResult{Err: ctx.Err()}
			continue
		}
		wg.Add(1)
		go func(a partition.Area) {
			defer func() {
				<-sem
				wg.Done()
			}()
			payload, err := s.fetchOne(ctx, a)
			res := track.FetchResult{Err: err}
			if err == nil {
				res.Frame = track.Frame{PartitionID: a.ID, FetchedAt: s.now(), Payload: payload}
			}
			mu.Lock()
			out[a.ID] = res
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}

func (s *Supplier) fetchOne(ctx context.Context, a partition.Area) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if s.cb == nil {
		b, err := s.get(ctx, a)
		s.countRequest(err)
		return b, err
	}
	b, err := s.cb.Execute(func() ([]byte, error) { return s.get(ctx, a) })
	s.countRequest(err)
	return b, err
}

func (s *Supplier) get(ctx context.Context, a partition.Area) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(a), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxPayload {
		return nil, fmt.Errorf("feed payload exceeds %d bytes", maxPayload)
	}
	return b, nil
}

// requestURL keeps the commas of bounds literal; the feed does not accept
// them percent-encoded everywhere.
func (s *Supplier) requestURL(a partition.Area) string {
	var b strings.Builder
	b.WriteString(s.cfg.URL)
	b.WriteString("?bounds=")
	b.WriteString(a.Bounds())
	for _, kv := range feedQuery {
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

func (s *Supplier) countRequest(err error) {
	switch {
	case err == nil:
		s.m.UpstreamRequest("ok")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.m.UpstreamRequest("rejected")
	default:
		s.m.UpstreamRequest("failed")
	}
}

func stateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
