package service

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential backoff with jitter.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// DefaultBackoff is short: conflicts on a single order clear quickly.
var DefaultBackoff = Backoff{
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
	Multiplier:      2,
	JitterFactor:    0.2,
}

// Next returns the delay before retry number attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	d := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.JitterFactor > 0 {
		d += rand.Float64() * b.JitterFactor * d
	}
	if d > float64(b.MaxInterval) {
		d = float64(b.MaxInterval)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
