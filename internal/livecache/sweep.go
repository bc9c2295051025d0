package livecache

import (
	"context"
	"time"

	"flightcollector/internal/metrics"
	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"
)

// RetentionPolicy evicts entries not seen for longer than TTL. An entry
// exactly TTL old is kept.
type RetentionPolicy struct {
	TTL time.Duration
}

func (p RetentionPolicy) Expired(r track.Record, now time.Time) bool {
	return now.Sub(r.LastSeen) > p.TTL
}

// Sweep removes every entry with now - LastSeen > ttl and returns how many
// were removed. The same now applies to the whole pass. An entry refreshed by
// a concurrent merge after being selected is kept.
func Sweep(c *Cache, ttl time.Duration, now time.Time) int {
	p := RetentionPolicy{TTL: ttl}
	var expired []string
	c.Range(func(r track.Record) bool {
		if p.Expired(r, now) {
			expired = append(expired, r.ID)
		}
		return true
	})

	removed := 0
	for _, id := range expired {
		if c.deleteIf(id, func(cur track.Record) bool { return p.Expired(cur, now) }) {
			removed++
		}
	}
	return removed
}

// Sweeper runs Sweep as a schedulable task.
type Sweeper struct {
	Cache   *Cache
	Policy  RetentionPolicy
	Now     func() time.Time
	Log     logx.Logger
	Metrics *metrics.Metrics
}

func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	start := time.Now()
	removed := Sweep(s.Cache, s.Policy.TTL, now())
	left := s.Cache.Len()

	s.Metrics.Evicted(removed)
	s.Metrics.CacheSize(left)
	if !s.Log.IsZero() {
		s.Log.Debug("retention sweep", logx.Int("removed", removed), logx.Int("left", left), logx.Duration("took", time.Since(start)))
	}
	return nil
}
