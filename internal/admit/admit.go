// Package admit implements per-user admission control: a sliding
// time-window message counter checked before any model call is issued.
// It provides backpressure independent of session state.
package admit

import (
	"sync"
	"time"
)

// Limiter tracks message timestamps per user over a sliding window.
type Limiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter allowing limit messages per window per user.
func NewLimiter(window time.Duration, limit int, opts ...Option) *Limiter {
	l := &Limiter{
		window:  window,
		limit:   limit,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records an attempt for userID and reports whether it is admitted.
// Rejected attempts are not recorded, so a flooding user recovers as soon
// as their admitted messages age out of the window.
func (l *Limiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.history[userID][:0]
	for _, ts := range l.history[userID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.limit {
		l.history[userID] = recent
		return false
	}
	l.history[userID] = append(recent, now)
	return true
}

// Evict drops users whose entire history has aged out. Callers may run it
// periodically to bound memory under many one-off users.
func (l *Limiter) Evict() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for userID, times := range l.history {
		live := false
		for _, ts := range times {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.history, userID)
		}
	}
}
