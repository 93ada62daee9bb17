package live

import "time"

// Delay computes the reconnect backoff for the given 1-based attempt:
// min(base * 2^(attempt-1), limit). The caller resets the attempt
// counter when a connection reaches Open, so the first failure after a
// healthy connection always waits the base delay.
func Delay(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
