package qpscontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestControllerAllowsBurstThenThrottles(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(clock, 10) // 10 qps, burst 10

	for i := 0; i < 10; i++ {
		require.True(t, c.Allow(), "token %d should be available from initial burst", i)
	}
	require.False(t, c.Allow(), "bucket should be empty after burst is consumed")
}

func TestControllerRefillsOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(clock, 10)
	for i := 0; i < 10; i++ {
		require.True(t, c.Allow())
	}
	require.False(t, c.Allow())

	clock.Advance(500 * time.Millisecond) // half a second: nothing deposited yet
	require.False(t, c.Allow())

	clock.Advance(500 * time.Millisecond) // one whole second: refills 10 tokens
	allowed := 0
	for i := 0; i < 10; i++ {
		if c.Allow() {
			allowed++
		}
	}
	require.Equal(t, 10, allowed)
}

func TestControllerWaitRespectsContextCancellation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(clock, 1)
	require.True(t, c.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
