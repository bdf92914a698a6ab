package metrics

import (
	"math"
	"sync"

	"github.com/sss-lehigh/librome/internal/metrics/atree"
)

// Summary accumulates a cumulative mean/variance via Welford's online
// algorithm and an exact windowed quantile estimate via atree, mirroring
// spec §10's latency summary: cheap running statistics plus periodic exact
// quantiles over a bounded window rather than the full history.
type Summary struct {
	mu sync.Mutex

	count int64
	mean  float64
	m2    float64 // sum of squared deviations from the mean

	window       *atree.Tree
	windowLimit  int
}

// NewSummary creates a Summary whose quantile window holds up to
// windowLimit samples; Observe starts a fresh window once it is full, and
// Rotate does so on demand.
func NewSummary(windowLimit int) *Summary {
	return &Summary{window: atree.New(), windowLimit: windowLimit}
}

// Observe records one sample.
func (s *Summary) Observe(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	delta := v - s.mean
	s.mean += delta / float64(s.count)
	delta2 := v - s.mean
	s.m2 += delta * delta2

	// Per spec §10, the quantile window rolls in automatically every
	// windowLimit samples rather than requiring a caller to notice it is
	// full and call Rotate itself.
	if s.window.Len() >= s.windowLimit {
		s.window = atree.New()
	}
	s.window.Insert(v)
}

// Count, Mean, Variance report the cumulative (unwindowed) statistics.
func (s *Summary) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Summary) Mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mean
}

func (s *Summary) Variance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count-1)
}

func (s *Summary) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Quantile returns the exact q-quantile (0<=q<=1) over the current window.
func (s *Summary) Quantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Quantile(q)
}

// Rotate discards the current quantile window, starting a fresh one. The
// cumulative mean/variance are unaffected.
func (s *Summary) Rotate() {
	s.mu.Lock()
	s.window = atree.New()
	s.mu.Unlock()
}
