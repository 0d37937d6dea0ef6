//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "attempt zero returns base", base: 100 * time.Millisecond, attempt: 0, want: 100 * time.Millisecond},
		{name: "doubles per attempt", base: 100 * time.Millisecond, attempt: 3, want: 800 * time.Millisecond},
		{name: "negative attempt treated as zero", base: time.Second, attempt: -5, want: time.Second},
		{name: "zero base returns zero", base: 0, attempt: 4, want: 0},
		{name: "overflow saturates", base: time.Hour, attempt: 62, want: time.Duration(math.MaxInt64)},
		{name: "cap clamps the delay", base: 250 * time.Millisecond, max: 30 * time.Second, attempt: 19, want: 30 * time.Second},
		{name: "cap clamps the overflow case", base: time.Hour, max: time.Minute, attempt: 62, want: time.Minute},
		{name: "delay below cap passes through", base: 100 * time.Millisecond, max: 30 * time.Second, attempt: 3, want: 800 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Exponential(tt.base, tt.max, tt.attempt))
		})
	}
}

func TestFullJitterBounds(t *testing.T) {
	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 100 {
		jittered := FullJitter(time.Second)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, time.Second)
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	for attempt := range 5 {
		delay := ExponentialWithJitter(10*time.Millisecond, 0, attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, Exponential(10*time.Millisecond, 0, attempt)+1)
	}
}

func TestExponentialWithJitterRespectsCap(t *testing.T) {
	// High attempt numbers must stay bounded by the cap, not grow without
	// limit.
	for range 100 {
		delay := ExponentialWithJitter(250*time.Millisecond, 30*time.Second, 40)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, 30*time.Second)
	}
}

func TestWaitContextCompletes(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitContext(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitContext(ctx, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitContextZeroDuration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, WaitContext(ctx, 0))
}
