package transport

import "time"

// MaxBackoff caps the delay between reconnect attempts.
const MaxBackoff = 30 * time.Second

// Backoff returns the delay before reconnect attempt n (1-based): 2^n seconds, capped.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= 5 {
		return MaxBackoff
	}
	return min(time.Duration(1<<attempt)*time.Second, MaxBackoff)
}
