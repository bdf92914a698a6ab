package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounterAddAndReset(t *testing.T) {
	c := NewCounter[int64]()
	c.Add(5)
	c.Add(3)
	require.EqualValues(t, 8, c.Load())
	c.Reset()
	require.EqualValues(t, 0, c.Load())
}

func TestStopwatchElapsedAdvances(t *testing.T) {
	sw := NewStopwatch()
	time.Sleep(time.Millisecond)
	require.Greater(t, sw.Elapsed(), time.Duration(0))
}

func TestSummaryMeanAndVariance(t *testing.T) {
	s := NewSummary(100)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		s.Observe(v)
	}
	require.EqualValues(t, 5, s.Count())
	require.InDelta(t, 3.0, s.Mean(), 1e-9)
	require.InDelta(t, 2.5, s.Variance(), 1e-9) // sample variance, n-1 denominator
}

func TestSummaryQuantileReflectsWindow(t *testing.T) {
	s := NewSummary(100)
	for i := 1; i <= 100; i++ {
		s.Observe(float64(i))
	}
	require.InDelta(t, 50, s.Quantile(0.5), 2)
	require.InDelta(t, 99, s.Quantile(0.99), 2)
}

func TestSummaryRotateClearsWindowNotCumulative(t *testing.T) {
	s := NewSummary(10)
	s.Observe(1)
	s.Observe(2)
	s.Rotate()
	require.EqualValues(t, 2, s.Count())
	require.Equal(t, float64(0), s.Quantile(0.5))
}
