// Package backoff implements the peer-id-jittered exponential backoff used
// by the connection manager's retry loop and the memory pool's
// retry-on-Unavailable bootstrap, generalizing the fixed-interval polling
// helpers the teacher's wait.go used for DHT convergence checks.
package backoff

import (
	"math/rand"
	"time"
)

const (
	MinDuration = 100 * time.Microsecond
	MaxDuration = 5 * time.Second
)

// Backoff tracks the current delay for one retry loop. Zero value starts at
// MinDuration.
type Backoff struct {
	current time.Duration
	peerJitter uint16
}

// New creates a Backoff whose jitter is proportional to peerID, matching
// spec.md §4.2 ("doubled each time with a peer-id-proportional jitter").
func New(peerID uint16) *Backoff {
	return &Backoff{current: 0, peerJitter: peerID}
}

// Next returns the delay to sleep for this attempt and advances the
// internal state for the following call.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = MinDuration
	} else {
		b.current *= 2
	}
	if b.current > MaxDuration {
		b.current = MaxDuration
	}

	jitter := time.Duration(0)
	if b.peerJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(b.peerJitter)+1)) * time.Microsecond
	}

	delay := b.current + jitter
	if delay > MaxDuration {
		delay = MaxDuration
	}
	if delay < MinDuration {
		delay = MinDuration
	}
	return delay
}

// Reset returns the backoff to its initial state, called after a successful
// attempt.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep blocks for Next()'s duration.
func (b *Backoff) Sleep() {
	time.Sleep(b.Next())
}
