package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sss-lehigh/librome/internal/rdmaptr"
)

// These exercise the DoorbellBatchBuilder's pure validation logic, which
// does not require a live RDMA device or connection. Posting an actual
// chain is covered by the integration harness, not these unit tests.

func newTestBuilder(nodeID uint16) *DoorbellBatchBuilder {
	return &DoorbellBatchBuilder{nodeID: nodeID, reads: make(map[int]*[]byte)}
}

func TestDoorbellBatchBuilderRejectsCrossNodeOps(t *testing.T) {
	b := newTestBuilder(1)

	require.NoError(t, b.checkNode(rdmaptr.New[byte](1, 0)))
	require.Error(t, b.checkNode(rdmaptr.New[byte](2, 0)))
}

func TestDoorbellBatchBuilderRejectsZeroLengthWrite(t *testing.T) {
	b := newTestBuilder(1)
	require.Error(t, b.AddWrite(rdmaptr.New[byte](1, 0), nil))
	require.Error(t, b.AddWriteBytes(rdmaptr.New[byte](1, 0), []byte{}))
}

func TestDoorbellBatchBuilderFenceGatesOnlyNextOp(t *testing.T) {
	b := newTestBuilder(1)
	require.False(t, b.fenceNext)

	b.Fence()
	require.True(t, b.fenceNext)

	flags := b.nextFlags()
	require.NotZero(t, flags)
	require.False(t, b.fenceNext, "Fence should only gate the single following op")
	require.Zero(t, b.nextFlags())
}

func TestDoorbellBatchBuilderBuildRejectsEmptyChain(t *testing.T) {
	b := newTestBuilder(1)
	_, err := b.Build()
	require.Error(t, err)
}

func TestDoorbellBatchBuilderAddKillSwitchIsChainable(t *testing.T) {
	b := newTestBuilder(1)
	require.Nil(t, b.killSwitch)
	require.Same(t, b, b.AddKillSwitch(nil).Fence())
}
