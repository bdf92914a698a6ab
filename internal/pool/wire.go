package pool

import "encoding/binary"

// arenaTag marks the one control message type the pool sends over the
// two-sided channel: each side's RDMA-accessible arena advertisement,
// exchanged once right after a Connection is established (spec §7's Init
// bootstrap). Kept separate from the channel's own rdma_cm bootstrap
// because a pool's arena is allocated per-Manager, not per-Connection.
const arenaTag = 1

type remoteArena struct {
	Rkey uint32
	Base uint64
	Len  uint64
}

func encodeArenaAdvertisement(a remoteArena) []byte {
	out := make([]byte, 1+4+8+8)
	out[0] = arenaTag
	binary.LittleEndian.PutUint32(out[1:5], a.Rkey)
	binary.LittleEndian.PutUint64(out[5:13], a.Base)
	binary.LittleEndian.PutUint64(out[13:21], a.Len)
	return out
}

func decodeArenaAdvertisement(b []byte) (remoteArena, bool) {
	if len(b) < 21 || b[0] != arenaTag {
		return remoteArena{}, false
	}
	return remoteArena{
		Rkey: binary.LittleEndian.Uint32(b[1:5]),
		Base: binary.LittleEndian.Uint64(b[5:13]),
		Len:  binary.LittleEndian.Uint64(b[13:21]),
	}, true
}
