package queue

import (
	"sync"
	"time"
)

// Limiter bounds per-target enqueue rates.
type Limiter interface {
	// Allow reports whether one more message for targetID fits in the
	// current window, counting it if so.
	Allow(targetID string) bool
}

// windowLimiter is an in-memory rolling-window limiter: at most limit
// messages per target id per window. State resets when a target's window
// elapses.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count int
	start time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
}

var _ Limiter = (*windowLimiter)(nil)

func (l *windowLimiter) Allow(targetID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[targetID]
	if !ok || now.Sub(e.start) > l.window {
		l.entries[targetID] = &windowEntry{count: 1, start: now}
		return true
	}
	if e.count >= l.limit {
		return false
	}
	e.count++
	return true
}
