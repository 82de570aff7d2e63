package harness

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the restart delay policy for failing plugins.
type Backoff struct {
	Base   time.Duration `json:"base" koanf:"base"`
	Cap    time.Duration `json:"cap" koanf:"cap"`
	Factor float64       `json:"factor" koanf:"factor"`
	// Jitter picks a uniform delay in [0, d) instead of d.
	Jitter bool `json:"jitter" koanf:"jitter"`
}

// DefaultBackoff restarts after 200ms, doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: 200 * time.Millisecond, Cap: 30 * time.Second, Factor: 2}
}

// Delay returns the wait before restart attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	f := float64(base) * math.Pow(factor, float64(attempt-1))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter && d > 0 {
		return time.Duration(rand.Int63n(int64(d)))
	}
	return d
}
