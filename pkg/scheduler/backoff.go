package scheduler

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays with exponential growth and full jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// Ceiling returns the upper bound for the delay before retry number
// attempt (1-based): Base * 2^(attempt-1), capped at Max.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Delay picks a uniformly random delay in [0, Ceiling(attempt)].
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	n := int64(ceiling)
	if n < math.MaxInt64 {
		n++
	}
	return time.Duration(jitter(n))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
