package connmgr

import (
	"encoding/binary"

	"github.com/sss-lehigh/librome/internal/channel"
)

// handshake is the payload carried verbatim in rdma_cm private data during
// rdma_connect/rdma_accept. It bootstraps both the peer's logical node id
// (spec §6) and the two-sided channel's receive-half/credit-word
// advertisement, since the channel itself is one-sided-RDMA-only and has no
// other path to exchange that information before it becomes usable.
type handshake struct {
	NodeID    uint16
	Bootstrap channel.BootstrapInfo
}

// encodedLen is handshake's wire size: 2-byte node id followed by the
// channel bootstrap block. Well within rdma_cm's private-data ceiling
// (typically 196 bytes on IB, more on RoCE).
const encodedLen = 2 + channel.EncodedLen

func (h handshake) encode() []byte {
	out := make([]byte, encodedLen)
	binary.LittleEndian.PutUint16(out[0:2], h.NodeID)
	copy(out[2:], h.Bootstrap.Encode())
	return out
}

func decodeHandshake(b []byte) (handshake, bool) {
	if len(b) < encodedLen {
		return handshake{}, false
	}
	return handshake{
		NodeID:    binary.LittleEndian.Uint16(b[0:2]),
		Bootstrap: channel.DecodeBootstrapInfo(b[2:encodedLen]),
	}, true
}
