package queue

import (
	"testing"
	"time"
)

func TestWindowLimiter_ResetsAfterWindow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	l := newWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("first two messages must pass")
	}
	if l.Allow("a") {
		t.Fatal("third message within window must be rejected")
	}
	if !l.Allow("b") {
		t.Fatal("independent target must have its own window")
	}

	now = now.Add(time.Minute + time.Second)
	if !l.Allow("a") {
		t.Fatal("window elapsed, counter must reset")
	}
}
