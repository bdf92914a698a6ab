// Package qpscontrol implements the token-bucket rate limiter the workload
// driver uses to cap issued operations per second (spec §4.6).
package qpscontrol

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock abstracts time so tests can drive the bucket deterministically
// instead of racing the wall clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock backed by time.Now.
var RealClock Clock = realClock{}

// Controller is a token bucket: each whole second elapsed since the last
// refill deposits rate tokens, up to burst capacity (a partial second
// deposits nothing until it completes); Allow/Wait consume one token per
// permitted operation.
type Controller struct {
	clock Clock

	mu        sync.Mutex
	tokens    float64
	burst     float64
	rate      float64
	lastRefill time.Time
}

// New creates a Controller allowing up to rate operations per second,
// with a burst capacity equal to one second's worth of tokens.
func New(clock Clock, rate float64) *Controller {
	return &Controller{
		clock:      clock,
		tokens:     rate,
		burst:      rate,
		rate:       rate,
		lastRefill: clock.Now(),
	}
}

func (c *Controller) refillLocked() {
	now := c.clock.Now()
	whole := math.Floor(now.Sub(c.lastRefill).Seconds())
	if whole <= 0 {
		return
	}
	c.tokens += whole * c.rate
	if c.tokens > c.burst {
		c.tokens = c.burst
	}
	c.lastRefill = now
}

// Allow reports whether an operation may proceed now, consuming a token if
// so. Non-blocking.
func (c *Controller) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refillLocked()
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

// Wait blocks until a token is available or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		if c.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoffInterval()):
		}
	}
}

func (c *Controller) backoffInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rate <= 0 {
		return time.Millisecond
	}
	return time.Duration(float64(time.Second) / c.rate)
}

// SetRate changes the refill rate (and burst capacity) going forward.
func (c *Controller) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refillLocked()
	c.rate = rate
	c.burst = rate
}
