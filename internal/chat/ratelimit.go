package chat

import (
	"sync"
	"time"
)

// userLimiter enforces a fixed-window message quota per user. The window
// resets wholesale when it expires; there is no sliding credit.
type userLimiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	limit     int
	span      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type window struct {
	start time.Time
	count int
}

func newUserLimiter(limit int, span time.Duration) *userLimiter {
	return &userLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		span:    span,
		now:     time.Now,
	}
}

// allow records one message for the user and reports whether it fits the
// current window.
func (l *userLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= l.span {
		l.windows[userID] = &window{start: now, count: 1}
		l.sweepLocked(now)
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// sweepLocked drops expired windows so idle users do not accumulate.
// Caller holds l.mu.
func (l *userLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.span {
		return
	}
	l.lastSweep = now
	for id, w := range l.windows {
		if now.Sub(w.start) >= l.span {
			delete(l.windows, id)
		}
	}
}
