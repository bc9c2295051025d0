package scheduler

import (
	"time"
)

// fixedRateSchedule is a cron.Schedule firing at first, first+period,
// first+2*period, ... with millisecond resolution (cron.Every rounds to
// whole seconds).
//
// cron asks for the first activation with the registration time, which may
// already equal first when the initial delay is zero, so the first call
// always answers first. Later calls return the next grid slot strictly after
// t, dropping slots missed by a slow tick instead of firing them in a burst.
type fixedRateSchedule struct {
	first   time.Time
	period  time.Duration
	started bool
}

func newFixedRateSchedule(now time.Time, initialDelay, period time.Duration) *fixedRateSchedule {
	return &fixedRateSchedule{first: now.Add(initialDelay), period: period}
}

// Next is only called from cron's run goroutine.
func (s *fixedRateSchedule) Next(t time.Time) time.Time {
	if !s.started {
		s.started = true
		return s.first
	}
	if t.Before(s.first) {
		return s.first
	}
	k := t.Sub(s.first)/s.period + 1
	return s.first.Add(k * s.period)
}
