package atree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantileMatchesSortedSelection(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	values := make([]float64, 200)
	tree := New()
	for i := range values {
		v := rng.Float64() * 1000
		values[i] = v
		tree.Insert(v)
	}
	sort.Float64s(values)

	for _, q := range []float64{0, 0.1, 0.5, 0.9, 0.99, 1} {
		want := values[int(q*float64(len(values)-1))]
		got := tree.Quantile(q)
		require.Equal(t, want, got, "quantile %v", q)
	}
}

func TestQuantileOnEmptyTree(t *testing.T) {
	tree := New()
	require.Equal(t, float64(0), tree.Quantile(0.5))
}

func TestLenTracksInsertions(t *testing.T) {
	tree := New()
	require.Equal(t, 0, tree.Len())
	tree.Insert(1)
	tree.Insert(2)
	require.Equal(t, 2, tree.Len())
}
