package scheduler

import (
	"sort"
	"sync/atomic"
)

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	shutdown := s.shutdown
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(hs))
	for _, h := range hs {
		it := ScheduleInfo{
			ID:       h.id,
			Name:     h.name,
			Kind:     h.kind.String(),
			Priority: h.priority,
			Daemon:   h.daemon,
			Period:   h.period,
		}
		if h.kind == KindPeriodic {
			it.Ticks = h.ticks.Load()
			it.Failures = h.failures.Load()
			if !shutdown {
				e := s.timer.Entry(h.entryID)
				it.Next, it.Prev = e.Next, e.Prev
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})

	return Snapshot{
		ShuttingDown: shutdown,
		Pool:         s.pool.Snapshot(),
		Detached:     atomic.LoadInt64(&s.detachedRun),
		Schedules:    items,
	}
}
