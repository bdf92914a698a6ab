package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotWriteCommitThenClear(t *testing.T) {
	region := make([]byte, 256)
	r := newRing(region, 64)
	require.EqualValues(t, 4, r.capacitySlots())

	s := r.at(0)
	require.False(t, s.valid())

	require.NoError(t, s.writeCommit([]byte("hello")))
	require.True(t, s.valid())
	require.EqualValues(t, 5, s.length())
	require.Equal(t, "hello", string(s.payload(s.length())))

	s.clear()
	require.False(t, s.valid())
	require.EqualValues(t, 0, s.length())
}

func TestSlotWriteCommitRejectsOversizedPayload(t *testing.T) {
	region := make([]byte, 64)
	r := newRing(region, 64)
	s := r.at(0)

	payload := make([]byte, 60) // 64 - headerSize(5) = 59 max
	err := s.writeCommit(payload)
	require.Error(t, err)
}

func TestRingWrapsIndices(t *testing.T) {
	region := make([]byte, 128)
	r := newRing(region, 64)
	require.EqualValues(t, 2, r.capacitySlots())

	a := r.at(0)
	b := r.at(2) // wraps to slot 0
	require.Same(t, &a.buf[0], &b.buf[0])
}

func TestBootstrapInfoRoundTrip(t *testing.T) {
	in := BootstrapInfo{
		Recv:   HalfInfo{Rkey: 0xdead, Addr: 0x1000, Len: 4096},
		Credit: CreditInfo{Rkey: 0xbeef, Addr: 0x2000},
	}
	out := DecodeBootstrapInfo(in.Encode())
	require.Equal(t, in, out)
}
