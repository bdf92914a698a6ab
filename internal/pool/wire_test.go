package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAdvertisementRoundTrip(t *testing.T) {
	in := remoteArena{Rkey: 0xabcd, Base: 0x1000, Len: 1 << 20}
	out, ok := decodeArenaAdvertisement(encodeArenaAdvertisement(in))
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestDecodeArenaAdvertisementRejectsWrongTag(t *testing.T) {
	b := encodeArenaAdvertisement(remoteArena{Rkey: 1, Base: 2, Len: 3})
	b[0] = 0xff
	_, ok := decodeArenaAdvertisement(b)
	require.False(t, ok)
}

func TestDecodeArenaAdvertisementRejectsShortPayload(t *testing.T) {
	_, ok := decodeArenaAdvertisement([]byte{arenaTag, 1, 2})
	require.False(t, ok)
}
