package session

import (
	"math/rand"
	"time"
)

// backoff doubles base per failed attempt up to ceiling, then applies
// jitter.
func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return jitter(d)
}

// jitter spreads d over [0.8d, 1.2d].
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
