package admit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	now := time.Now()
	l := NewLimiter(time.Minute, 3, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("message %d should be admitted", i+1)
		}
	}
	if l.Allow("u1") {
		t.Error("message over the limit should be rejected")
	}

	// Other users are unaffected.
	if !l.Allow("u2") {
		t.Error("independent user should be admitted")
	}
}

func TestWindowSlides(t *testing.T) {
	now := time.Now()
	l := NewLimiter(time.Minute, 2, WithClock(func() time.Time { return now }))

	l.Allow("u1")
	l.Allow("u1")
	if l.Allow("u1") {
		t.Fatal("third message inside window should be rejected")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("u1") {
		t.Error("message after the window slid should be admitted")
	}
}

func TestEvict(t *testing.T) {
	now := time.Now()
	l := NewLimiter(time.Minute, 2, WithClock(func() time.Time { return now }))

	l.Allow("u1")
	now = now.Add(2 * time.Minute)
	l.Evict()

	l.mu.Lock()
	_, ok := l.history["u1"]
	l.mu.Unlock()
	if ok {
		t.Error("aged-out user should be evicted")
	}
}
