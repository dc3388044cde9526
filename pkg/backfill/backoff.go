package backfill

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a task's next attempt
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// NewBackoff builds a backoff from cfg
func NewBackoff(cfg RetryConfig) *Backoff {
	return &Backoff{
		Base:   cfg.BaseDelay,
		Max:    cfg.MaxDelay,
		Jitter: cfg.Jitter,
		rand:   rand.Float64,
	}
}

// Delay returns the wait after the given failed attempt (1-based). The base
// doubles per attempt up to Max, then jitter scales it by up to ±Jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}

	if d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		factor := 1 + b.Jitter*(2*b.rand()-1)
		d = time.Duration(float64(d) * factor)
	}

	return d
}
