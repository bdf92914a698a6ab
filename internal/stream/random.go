package stream

import (
	"math/rand"

	"github.com/sss-lehigh/librome/internal/status"
)

// RandomDistributionStream draws values from an injected *rand.Rand via a
// caller-supplied sampling function, so callers can seed deterministically
// in tests while production code seeds from real entropy.
type RandomDistributionStream[T any] struct {
	rng        *rand.Rand
	sample     func(*rand.Rand) T
	terminated bool
}

func NewRandomDistributionStream[T any](rng *rand.Rand, sample func(*rand.Rand) T) *RandomDistributionStream[T] {
	return &RandomDistributionStream[T]{rng: rng, sample: sample}
}

func (s *RandomDistributionStream[T]) Next() (T, error) {
	var zero T
	if s.terminated {
		return zero, status.StreamTerminated()
	}
	return s.sample(s.rng), nil
}

func (s *RandomDistributionStream[T]) Terminate() { s.terminated = true }

// NewUniformIntStream draws integers uniformly from [lo, hi).
func NewUniformIntStream(rng *rand.Rand, lo, hi int64) *RandomDistributionStream[int64] {
	span := hi - lo
	return NewRandomDistributionStream(rng, func(r *rand.Rand) int64 {
		return lo + r.Int63n(span)
	})
}

// NewUniformDoubleStream draws float64s uniformly from [lo, hi).
func NewUniformDoubleStream(rng *rand.Rand, lo, hi float64) *RandomDistributionStream[float64] {
	span := hi - lo
	return NewRandomDistributionStream(rng, func(r *rand.Rand) float64 {
		return lo + r.Float64()*span
	})
}

// WeightedStream draws discrete values with per-value weights, via the
// standard cumulative-distribution inversion technique.
type WeightedStream[T any] struct {
	rng        *rand.Rand
	values     []T
	cumWeights []float64
	total      float64
	terminated bool
}

// NewWeightedStream builds a WeightedStream over values, each drawn with
// probability proportional to the matching entry in weights. len(values)
// must equal len(weights).
func NewWeightedStream[T any](rng *rand.Rand, values []T, weights []float64) *WeightedStream[T] {
	cum := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		total += w
		cum[i] = total
	}
	return &WeightedStream[T]{rng: rng, values: values, cumWeights: cum, total: total}
}

func (s *WeightedStream[T]) Next() (T, error) {
	var zero T
	if s.terminated || len(s.values) == 0 {
		return zero, status.StreamTerminated()
	}
	target := s.rng.Float64() * s.total
	for i, cum := range s.cumWeights {
		if target < cum {
			return s.values[i], nil
		}
	}
	return s.values[len(s.values)-1], nil
}

func (s *WeightedStream[T]) Terminate() { s.terminated = true }
