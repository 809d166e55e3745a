// internal/realtime/throttle.go
package realtime

import "time"

const throttleWindow = time.Second

// throttle is a sliding one-second window over send timestamps.
type throttle struct {
	limit int
	sent  []time.Time
}

func newThrottle(limit int) *throttle {
	return &throttle{limit: limit}
}

// allow drops timestamps that left the window and reports whether another
// send fits in it.
func (t *throttle) allow(now time.Time) bool {
	keep := t.sent[:0]
	for _, ts := range t.sent {
		if now.Sub(ts) < throttleWindow {
			keep = append(keep, ts)
		}
	}
	t.sent = keep
	return len(t.sent) < t.limit
}

func (t *throttle) record(now time.Time) {
	t.sent = append(t.sent, now)
}
