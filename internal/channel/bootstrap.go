package channel

import "encoding/binary"

// HalfInfo describes one RDMA-writable memory half advertised to a peer:
// enough for the peer to target it with RDMA WRITE.
type HalfInfo struct {
	Rkey uint32
	Addr uint64
	Len  uint64
}

// CreditInfo describes the small remote-writable word a peer updates with
// its consumption progress.
type CreditInfo struct {
	Rkey uint32
	Addr uint64
}

// BootstrapInfo is the per-channel information exchanged out of band (over
// rdma_cm private data, alongside the node id — see connmgr's wire
// encoding) before either side may use the channel.
type BootstrapInfo struct {
	Recv   HalfInfo
	Credit CreditInfo
}

// EncodedLen is the wire size of BootstrapInfo.
const EncodedLen = 4 + 8 + 8 + 4 + 8

// Encode serializes b in little-endian, matching RemoteObjectProto's
// encoding elsewhere in this module.
func (b BootstrapInfo) Encode() []byte {
	out := make([]byte, EncodedLen)
	binary.LittleEndian.PutUint32(out[0:4], b.Recv.Rkey)
	binary.LittleEndian.PutUint64(out[4:12], b.Recv.Addr)
	binary.LittleEndian.PutUint64(out[12:20], b.Recv.Len)
	binary.LittleEndian.PutUint32(out[20:24], b.Credit.Rkey)
	binary.LittleEndian.PutUint64(out[24:32], b.Credit.Addr)
	return out
}

// DecodeBootstrapInfo is Encode's inverse.
func DecodeBootstrapInfo(b []byte) BootstrapInfo {
	return BootstrapInfo{
		Recv: HalfInfo{
			Rkey: binary.LittleEndian.Uint32(b[0:4]),
			Addr: binary.LittleEndian.Uint64(b[4:12]),
			Len:  binary.LittleEndian.Uint64(b[12:20]),
		},
		Credit: CreditInfo{
			Rkey: binary.LittleEndian.Uint32(b[20:24]),
			Addr: binary.LittleEndian.Uint64(b[24:32]),
		},
	}
}
