package connmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sss-lehigh/librome/internal/channel"
)

func TestHandshakeRoundTrip(t *testing.T) {
	in := handshake{
		NodeID: 7,
		Bootstrap: channel.BootstrapInfo{
			Recv:   channel.HalfInfo{Rkey: 0x1111, Addr: 0xdeadbeef, Len: 4096},
			Credit: channel.CreditInfo{Rkey: 0x2222, Addr: 0xfeedface},
		},
	}
	out, ok := decodeHandshake(in.encode())
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestDecodeHandshakeRejectsShortPayload(t *testing.T) {
	_, ok := decodeHandshake([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestManagerTieBreak(t *testing.T) {
	m := &Manager{nodeID: 5}
	require.True(t, m.yieldsTo(3), "node 5 should yield to lower-id node 3")
	require.False(t, m.yieldsTo(9), "node 5 should not yield to higher-id node 9")
}

func TestManagerLockArbitration(t *testing.T) {
	m := &Manager{}
	m.lock.Store(lockFree)

	require.True(t, m.tryAcquireLock(4))
	require.False(t, m.tryAcquireLock(6), "lock already held for peer 4")
	m.releaseLock(4)
	require.True(t, m.tryAcquireLock(6))
}
