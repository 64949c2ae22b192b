package session

import (
	"sync"
	"time"
)

// Registry owns all sessions, keyed by user id. Concurrency partitions
// naturally across users; two messages from the same user serialize on that
// user's lock, so a double-send cannot interleave partial history commits.
type Registry struct {
	maxTurns      int
	idleTimeout   time.Duration
	confirmWindow time.Duration
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	lock sync.Mutex
	sess *Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a session registry.
func NewRegistry(maxTurns int, idleTimeout, confirmWindow time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		maxTurns:      maxTurns,
		idleTimeout:   idleTimeout,
		confirmWindow: confirmWindow,
		now:           time.Now,
		entries:       make(map[string]*registryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxTurns returns the history cap.
func (r *Registry) MaxTurns() int { return r.maxTurns }

// IdleTimeout returns the idle expiry duration.
func (r *Registry) IdleTimeout() time.Duration { return r.idleTimeout }

// ConfirmWindow returns the pending-action validity window.
func (r *Registry) ConfirmWindow() time.Duration { return r.confirmWindow }

// Now returns the registry's current time.
func (r *Registry) Now() time.Time { return r.now() }

// Acquire returns the user's session with its lock held; the caller must
// invoke release when done mutating. A session idle past the timeout is
// cleared and recreated on the spot, so no stale turn content survives
// expiry. Expired pending actions are also dropped here.
func (r *Registry) Acquire(userID string) (*Session, func()) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &registryEntry{sess: &Session{UserID: userID}}
		r.entries[userID] = e
	}
	r.mu.Unlock()

	e.lock.Lock()
	now := r.now()
	if !e.sess.LastActive.IsZero() && now.Sub(e.sess.LastActive) > r.idleTimeout {
		e.sess.Reset()
	}
	if p := e.sess.Pending; p != nil && now.Sub(p.At) > r.confirmWindow {
		e.sess.Pending = nil
	}
	return e.sess, e.lock.Unlock
}

// Peek runs fn with the session lock held, without expiry side effects, and
// reports whether the user had a session at all. Used by the summarizer,
// which must observe the history exactly as the idle timer left it.
func (r *Registry) Peek(userID string, fn func(*Session)) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	fn(e.sess)
	return true
}

// Drop removes a user's session entirely.
func (r *Registry) Drop(userID string) {
	r.mu.Lock()
	delete(r.entries, userID)
	r.mu.Unlock()
}

// Count returns the number of sessions currently held.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot captures all non-empty sessions for persistence. Pending actions
// and one-shot overrides are volatile and deliberately excluded.
func (r *Registry) Snapshot() map[string]SnapshotEntry {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	snap := make(map[string]SnapshotEntry, len(entries))
	for _, e := range entries {
		e.lock.Lock()
		if len(e.sess.Turns) > 0 {
			turns := make([]Turn, len(e.sess.Turns))
			copy(turns, e.sess.Turns)
			snap[e.sess.UserID] = SnapshotEntry{
				Turns:      turns,
				LastActive: e.sess.LastActive,
				Truncated:  e.sess.Truncated,
				Usage:      e.sess.Usage,
			}
		}
		e.lock.Unlock()
	}
	return snap
}

// Restore installs snapshot entries, discarding any already idle past the
// timeout. Returns the user ids restored, so the caller can schedule their
// remaining idle time.
func (r *Registry) Restore(snap map[string]SnapshotEntry) []string {
	now := r.now()
	var restored []string
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, entry := range snap {
		if now.Sub(entry.LastActive) > r.idleTimeout {
			continue
		}
		r.entries[userID] = &registryEntry{sess: &Session{
			UserID:     userID,
			Turns:      entry.Turns,
			LastActive: entry.LastActive,
			Truncated:  entry.Truncated,
			Usage:      entry.Usage,
		}}
		restored = append(restored, userID)
	}
	return restored
}
