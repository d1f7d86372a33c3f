package tracker

import "time"

// recentSet remembers ids of evicted orders for a bounded time so late facts
// about them are dropped quietly instead of logged as unknown.
type recentSet struct {
	items map[string]time.Time
	queue []recentEntry
	max   int
	ttl   time.Duration
}

type recentEntry struct {
	key string
	at  time.Time
}

func newRecentSet(max int, ttl time.Duration) *recentSet {
	if max < 1 {
		max = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &recentSet{
		items: make(map[string]time.Time, max),
		max:   max,
		ttl:   ttl,
	}
}

func (s *recentSet) Add(key string, now time.Time) {
	if key == "" {
		return
	}
	if _, ok := s.items[key]; ok {
		return
	}
	s.items[key] = now
	s.queue = append(s.queue, recentEntry{key: key, at: now})
	s.prune(now)
}

func (s *recentSet) Contains(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	s.prune(now)
	_, ok := s.items[key]
	return ok
}

func (s *recentSet) Len() int {
	return len(s.items)
}

func (s *recentSet) prune(now time.Time) {
	expireBefore := now.Add(-s.ttl)
	for len(s.queue) > 0 {
		head := s.queue[0]
		ts, ok := s.items[head.key]
		if !ok || !ts.Equal(head.at) {
			s.queue = s.queue[1:]
			continue
		}
		if ts.Before(expireBefore) || len(s.items) > s.max {
			delete(s.items, head.key)
			s.queue = s.queue[1:]
			continue
		}
		break
	}
}
