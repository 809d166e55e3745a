// internal/realtime/backoff.go
package realtime

import "time"

// BackoffFunc maps a reconnect attempt count to the delay before that
// attempt.
type BackoffFunc func(attempt int) time.Duration

var backoffSchedule = [...]time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// DefaultBackoff is the stepped schedule 0s, 1s, 2s, 5s, then 10s for every
// later attempt.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return backoffSchedule[min(attempt, len(backoffSchedule)-1)]
}
