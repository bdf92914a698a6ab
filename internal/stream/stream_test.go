package stream

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sss-lehigh/librome/internal/status"
)

func TestTestStreamReplaysThenTerminates(t *testing.T) {
	s := NewTestStream([]int{1, 2, 3})
	for _, want := range []int{1, 2, 3} {
		got, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := s.Next()
	require.True(t, status.IsStreamTerminated(err))
}

func TestMonotonicStream(t *testing.T) {
	s := NewMonotonicStream(10, 5)
	for _, want := range []int64{10, 15, 20} {
		got, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestCircularStreamWrapsAndTerminatesOnDemand(t *testing.T) {
	s := NewCircularStream(10, 3, 1) // (curr += 1) % 3 + 10
	for _, want := range []int{11, 12, 10, 11} {
		got, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	s.Terminate()
	_, err := s.Next()
	require.True(t, status.IsStreamTerminated(err))
}

func TestMappedStream(t *testing.T) {
	inner := NewTestStream([]int{1, 2, 3})
	mapped := NewMappedStream(func(vs ...int) int { return vs[0] * vs[0] }, inner)
	got, err := mapped.Next()
	require.NoError(t, err)
	require.Equal(t, 1, got)
	got, _ = mapped.Next()
	require.Equal(t, 4, got)
}

func TestMappedStreamCombinesMultipleStreams(t *testing.T) {
	a := NewTestStream([]int{1, 2})
	b := NewTestStream([]int{10, 20})
	mapped := NewMappedStream(func(vs ...int) int { return vs[0] + vs[1] }, a, b)
	got, err := mapped.Next()
	require.NoError(t, err)
	require.Equal(t, 11, got)
}

func TestLatestStreamSamplesWithinWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	s := NewLatestStream[int64](NewMonotonicStream(0, 1), 8, rng, 2)
	_, ok := s.Latest()
	require.False(t, ok)

	for i := 0; i < 8; i++ {
		_, err := s.Next()
		require.NoError(t, err)
	}

	latest, ok := s.Latest()
	require.True(t, ok)
	require.GreaterOrEqual(t, latest, int64(0))
	require.Less(t, latest, int64(8))
}

func TestWeightedStreamRespectsZeroWeightExclusion(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewWeightedStream(rng, []string{"never", "always"}, []float64{0, 1})
	for i := 0; i < 50; i++ {
		v, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, "always", v)
	}
}

func TestUniformIntStreamStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := NewUniformIntStream(rng, 10, 20)
	for i := 0; i < 100; i++ {
		v, err := s.Next()
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, int64(10))
		require.Less(t, v, int64(20))
	}
}

func TestYcsbOpStreamDrivesBothComponents(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := NewYcsbOpStream(rng, 100, 1, 0, 0)
	seenNonZeroKey := false
	for i := 0; i < 100; i++ {
		op, err := s.Next()
		require.NoError(t, err)
		require.Equal(t, OpRead, op.Op)
		if op.Key != 0 {
			seenNonZeroKey = true
		}
	}
	require.True(t, seenNonZeroKey, "key stream must actually be driven, not stuck at zero")
}
