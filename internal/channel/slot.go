// Package channel implements the ring-buffered, one-sided-RDMA-based
// two-sided message exchange described in spec §4.3: Send copies a payload
// into a local slot and RDMA-WRITEs it into the peer's receive half;
// TryDeliver polls the local receive half for a committed slot.
package channel

import (
	"encoding/binary"

	"github.com/sss-lehigh/librome/internal/status"
)

// headerSize is the fixed-size slot header: a 4-byte payload length
// followed by a 1-byte valid flag. The payload follows immediately.
const headerSize = 5

const validByte = 1

// MinCapacity and MinSlotSize are the floors named in spec §4.3.
const (
	MinCapacity = 4 * 1024
	MinSlotSize = 64
)

// slot is a read/write view over one fixed-size message slot within a ring
// half.
type slot struct {
	buf []byte // exactly slotSize bytes
}

func (s slot) length() uint32 {
	return binary.LittleEndian.Uint32(s.buf[0:4])
}

func (s slot) valid() bool {
	return s.buf[4] == validByte
}

func (s slot) payload(n uint32) []byte {
	return s.buf[headerSize : headerSize+n]
}

// writeCommit copies payload into the slot and sets length+valid last,
// matching spec's invariant ("header carries... a one-bit valid flag...
// reader sees a non-zero header only after the payload has been fully
// written").
func (s slot) writeCommit(payload []byte) error {
	if uint64(len(payload)) > uint64(len(s.buf)-headerSize) {
		return status.ResourceExhaustedf("payload %d bytes exceeds slot capacity %d", len(payload), len(s.buf)-headerSize)
	}
	copy(s.buf[headerSize:], payload)
	binary.LittleEndian.PutUint32(s.buf[0:4], uint32(len(payload)))
	s.buf[4] = validByte
	return nil
}

func (s slot) clear() {
	s.buf[4] = 0
	binary.LittleEndian.PutUint32(s.buf[0:4], 0)
}

// ring is a fixed-capacity array of equal-sized slots backed by a single
// contiguous byte region (one half of the channel's pinned arena).
type ring struct {
	region   []byte
	slotSize uint32
	count    uint32
}

func newRing(region []byte, slotSize uint32) *ring {
	return &ring{
		region:   region,
		slotSize: slotSize,
		count:    uint32(len(region)) / slotSize,
	}
}

func (r *ring) capacitySlots() uint32 { return r.count }

func (r *ring) at(i uint32) slot {
	idx := i % r.count
	start := idx * r.slotSize
	return slot{buf: r.region[start : start+r.slotSize]}
}

func (r *ring) slotOffset(i uint32) uint64 {
	return uint64((i % r.count) * r.slotSize)
}
