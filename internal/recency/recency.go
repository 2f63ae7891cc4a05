// Package recency tracks which runs had a live prognosis lately, so that
// schedule-only positions can be held back for them.
package recency

import (
	"sync"
	"time"

	"gtfs-prognosis/internal/gtfs"
)

const DefaultTTL = 5 * time.Minute

// Tracker is a reference count per run where every push expires on its
// own after the TTL. A run is recent while any push is unexpired.
type Tracker struct {
	ttl time.Duration

	mu     sync.Mutex
	counts map[string]int
	timers map[*time.Timer]struct{}
	closed bool

	// afterFunc is swapped in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:       ttl,
		counts:    make(map[string]int),
		timers:    make(map[*time.Timer]struct{}),
		afterFunc: time.AfterFunc,
	}
}

func key(tripID, date string) string { return gtfs.TrajectoryID(tripID, date) }

// Push records a prognosis for the run.
func (t *Tracker) Push(tripID, date string) {
	k := key(tripID, date)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.counts[k]++

	var timer *time.Timer
	timer = t.afterFunc(t.ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.timers, timer)
		t.expire(k)
	})
	t.timers[timer] = struct{}{}
}

// expire drops one reference. Callers hold mu.
func (t *Tracker) expire(k string) {
	switch n := t.counts[k]; {
	case n > 1:
		t.counts[k] = n - 1
	case n == 1:
		delete(t.counts, k)
	}
}

// IsRecent reports whether the run has an unexpired push.
func (t *Tracker) IsRecent(tripID, date string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key(tripID, date)] > 0
}

// Len returns the number of recent runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// Close stops all pending expiries. Pushes after Close are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[*time.Timer]struct{})
}
