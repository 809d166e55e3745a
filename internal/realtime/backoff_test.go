// internal/realtime/backoff_test.go
package realtime

import (
	"testing"
	"time"
)

func TestDefaultBackoff(t *testing.T) {
	want := []time.Duration{0, time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, w := range want {
		if got := DefaultBackoff(attempt); got != w {
			t.Errorf("DefaultBackoff(%d) = %v, want %v", attempt, got, w)
		}
	}
	if got := DefaultBackoff(100); got != 10*time.Second {
		t.Errorf("DefaultBackoff(100) = %v, want 10s", got)
	}
	if got := DefaultBackoff(-1); got != 0 {
		t.Errorf("DefaultBackoff(-1) = %v, want 0", got)
	}
}

func TestThrottleWindow(t *testing.T) {
	th := newThrottle(2)
	start := time.Unix(1000, 0)

	for i := range 2 {
		if !th.allow(start) {
			t.Fatalf("send %d should be allowed", i)
		}
		th.record(start)
	}
	if th.allow(start.Add(999 * time.Millisecond)) {
		t.Error("third send inside the window should be deferred")
	}
	if !th.allow(start.Add(time.Second)) {
		t.Error("send should be allowed once the window has passed")
	}
	if len(th.sent) != 0 {
		t.Errorf("expired timestamps should be pruned, have %d", len(th.sent))
	}
}
