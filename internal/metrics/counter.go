// Package metrics implements the counters, stopwatches, and windowed
// summaries the workload driver and memory pool report through (spec
// §10), plus an optional bridge to Prometheus client metrics.
package metrics

import "sync"

// Number is the set of types a Counter can accumulate.
type Number interface {
	~int64 | ~uint64 | ~float64
}

// Counter is a mutex-protected running total. Simpler than a lock-free
// atomic per numeric kind, and contention here is never the bottleneck
// (one increment per completed operation, not per byte).
type Counter[T Number] struct {
	mu    sync.Mutex
	value T
}

func NewCounter[T Number]() *Counter[T] { return &Counter[T]{} }

func (c *Counter[T]) Add(delta T) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

func (c *Counter[T]) Load() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Counter[T]) Reset() {
	c.mu.Lock()
	c.value = 0
	c.mu.Unlock()
}
