package scheduler

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Ceiling(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Ceiling(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), Backoff{}.Ceiling(3))
}

func TestBackoff_UncappedCeilingSaturates(t *testing.T) {
	b := Backoff{Base: time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		c := b.Ceiling(attempt)
		assert.GreaterOrEqual(t, c, prev, "attempt %d", attempt)
		prev = c
	}
	assert.Equal(t, time.Duration(math.MaxInt64), b.Ceiling(200))

	top := Backoff{Base: time.Second, Jitter: func(n int64) int64 { return n - 1 }}
	assert.Equal(t, time.Duration(math.MaxInt64-1), top.Delay(200))
}

func TestBackoff_DelayUsesFullJitter(t *testing.T) {
	top := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: func(n int64) int64 { return n - 1 }}
	assert.Equal(t, 400*time.Millisecond, top.Delay(3))

	bottom := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: func(int64) int64 { return 0 }}
	assert.Equal(t, time.Duration(0), bottom.Delay(3))

	random := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := random.Delay(10)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestSleep_Cancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, sleep(context.Background(), time.Millisecond))
}
