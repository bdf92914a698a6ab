// Package stream implements the composable value-stream algebra used to
// drive synthetic workloads (spec §4.5): a small Stream[T] capability
// interface plus variants that generate, transform, or replay values.
package stream

import (
	"math/rand"

	"github.com/sss-lehigh/librome/internal/status"
)

// Integer is the set of integral types CircularStream can be instantiated
// over (it relies on %, which Go restricts to integer operands).
type Integer interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// Stream produces a sequence of values of type T. Next returns a
// StreamTerminated status once the stream is exhausted or Terminate has
// been called; callers should treat that as the canonical end-of-stream
// signal rather than inspecting the error's text.
type Stream[T any] interface {
	Next() (T, error)
	Terminate()
}

// TestStream replays a fixed slice of values once, in order, then
// terminates. Useful for deterministic unit tests of anything built on
// Stream[T].
type TestStream[T any] struct {
	values    []T
	i         int
	terminated bool
}

func NewTestStream[T any](values []T) *TestStream[T] {
	return &TestStream[T]{values: values}
}

func (s *TestStream[T]) Next() (T, error) {
	var zero T
	if s.terminated || s.i >= len(s.values) {
		return zero, status.StreamTerminated()
	}
	v := s.values[s.i]
	s.i++
	return v, nil
}

func (s *TestStream[T]) Terminate() { s.terminated = true }

// MonotonicStream produces strictly increasing integers start, start+step,
// start+2*step, ... and never terminates on its own.
type MonotonicStream struct {
	next       int64
	step       int64
	terminated bool
}

func NewMonotonicStream(start, step int64) *MonotonicStream {
	return &MonotonicStream{next: start, step: step}
}

func (s *MonotonicStream) Next() (int64, error) {
	if s.terminated {
		return 0, status.StreamTerminated()
	}
	v := s.next
	s.next += s.step
	return v, nil
}

func (s *MonotonicStream) Terminate() { s.terminated = true }

// CircularStream produces ((curr += step) % end) + start on every call,
// wrapping curr's accumulated total back into [0, end) via %. Never
// terminates on its own.
type CircularStream[T Integer] struct {
	curr       T
	end        T
	step       T
	start      T
	terminated bool
}

func NewCircularStream[T Integer](start, end, step T) *CircularStream[T] {
	return &CircularStream[T]{start: start, end: end, step: step}
}

func (s *CircularStream[T]) Next() (T, error) {
	var zero T
	if s.terminated {
		return zero, status.StreamTerminated()
	}
	s.curr += s.step
	return (s.curr % s.end) + s.start, nil
}

func (s *CircularStream[T]) Terminate() { s.terminated = true }

// MappedStream lazily applies fn to the values pulled, one each, from every
// underlying stream on each Next() call, forwarding termination from
// whichever inner stream terminates first.
type MappedStream[T, U any] struct {
	inner []Stream[U]
	fn    func(...U) T
}

func NewMappedStream[T, U any](fn func(...U) T, streams ...Stream[U]) *MappedStream[T, U] {
	return &MappedStream[T, U]{inner: streams, fn: fn}
}

func (s *MappedStream[T, U]) Next() (T, error) {
	var zero T
	args := make([]U, len(s.inner))
	for i, in := range s.inner {
		v, err := in.Next()
		if err != nil {
			return zero, err
		}
		args[i] = v
	}
	return s.fn(args...), nil
}

func (s *MappedStream[T, U]) Terminate() {
	for _, in := range s.inner {
		in.Terminate()
	}
}

// LatestStream keeps a ring of the last windowSize values it produced, for
// callers that want to sample a recent (not necessarily the newest) value
// without advancing the stream — e.g. a workload driver picking a
// recently-written key to read back, biased toward the newest entries.
type LatestStream[T any] struct {
	inner    Stream[T]
	ring     []T
	writeIdx int
	filled   int
	zipf     *rand.Zipf
}

// NewLatestStream wraps inner with a ring of the last windowSize values.
// Latest samples from the ring via a Zipfian distribution (parameter s,
// per math/rand.NewZipf; s must be > 1) offset from the newest entry, so
// recently produced values are returned far more often than older ones.
func NewLatestStream[T any](inner Stream[T], windowSize int, rng *rand.Rand, s float64) *LatestStream[T] {
	if windowSize < 1 {
		windowSize = 1
	}
	ls := &LatestStream[T]{inner: inner, ring: make([]T, windowSize)}
	if imax := uint64(windowSize - 1); imax > 0 {
		ls.zipf = rand.NewZipf(rng, s, 1, imax)
	}
	return ls
}

func (s *LatestStream[T]) Next() (T, error) {
	v, err := s.inner.Next()
	if err != nil {
		return v, err
	}
	s.ring[s.writeIdx%len(s.ring)] = v
	s.writeIdx++
	if s.filled < len(s.ring) {
		s.filled++
	}
	return v, nil
}

func (s *LatestStream[T]) Terminate() { s.inner.Terminate() }

// Latest samples a value from the window, favoring recently produced
// entries, and reports whether Next has been called at least once.
func (s *LatestStream[T]) Latest() (T, bool) {
	var zero T
	if s.filled == 0 {
		return zero, false
	}
	var offset uint64
	if s.zipf != nil {
		offset = s.zipf.Uint64()
	}
	if offset >= uint64(s.filled) {
		offset = uint64(s.filled - 1)
	}
	idx := (s.writeIdx - 1 - int(offset) + len(s.ring)) % len(s.ring)
	return s.ring[idx], true
}
