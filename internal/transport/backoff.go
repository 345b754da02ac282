package transport

import "time"

// Backoff returns the delay before the reconnect that follows attempts
// failed reconnects: min(base * 2^attempts, max).
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
