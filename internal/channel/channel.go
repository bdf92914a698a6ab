package channel

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/sss-lehigh/librome/internal/rdmaverbs"
	"github.com/sss-lehigh/librome/internal/status"
)

// Channel is the two-sided message exchange built entirely out of one-sided
// RDMA WRITE, per spec §4.3: no receive work requests are ever posted and
// the connection's recv CQ is unused by the channel. Delivery is detected by
// polling the local receive half for a slot whose valid bit has flipped.
type Channel struct {
	qp *rdmaverbs.QueuePair

	slotSize   uint32
	capacity   uint32
	halfBudget uint32 // capacity / 2, the credit-advertisement threshold

	recvRegion []byte
	recvMR     *rdmaverbs.MemoryRegion
	recvRing   *ring

	sendRegion []byte
	sendMR     *rdmaverbs.MemoryRegion
	sendRing   *ring

	creditWord []byte
	creditMR   *rdmaverbs.MemoryRegion

	advertiseScratch []byte
	advertiseMR      *rdmaverbs.MemoryRegion

	peerRecv   HalfInfo
	peerCredit CreditInfo

	mu               sync.Mutex
	recvCursor       uint32
	advertisedCursor uint32
	sendCursor       uint32
}

// New allocates a channel's local arena (recv half, send half, credit word)
// and registers each with the connection's protection domain. capacitySlots
// must be a power of two; slotSize must be at least MinSlotSize.
func New(pd *rdmaverbs.ProtectionDomain, qp *rdmaverbs.QueuePair, capacitySlots, slotSize uint32) (*Channel, error) {
	if slotSize < MinSlotSize {
		return nil, status.FailedPreconditionf("slot size %d below minimum %d", slotSize, MinSlotSize)
	}
	if capacitySlots == 0 || capacitySlots&(capacitySlots-1) != 0 {
		return nil, status.FailedPreconditionf("capacity %d is not a power of two", capacitySlots)
	}

	c := &Channel{
		qp:         qp,
		slotSize:   slotSize,
		capacity:   capacitySlots,
		halfBudget: capacitySlots / 2,
	}

	c.recvRegion = make([]byte, capacitySlots*slotSize)
	recvMR, err := rdmaverbs.RegisterMemoryRegion(pd, c.recvRegion, rdmaverbs.DefaultAccessFlags)
	if err != nil {
		return nil, status.Internalf("register recv half: %v", err)
	}
	c.recvMR = recvMR
	c.recvRing = newRing(c.recvRegion, slotSize)

	c.sendRegion = make([]byte, capacitySlots*slotSize)
	sendMR, err := rdmaverbs.RegisterMemoryRegion(pd, c.sendRegion, rdmaverbs.AccessFlags(0))
	if err != nil {
		recvMR.Close()
		return nil, status.Internalf("register send half: %v", err)
	}
	c.sendMR = sendMR
	c.sendRing = newRing(c.sendRegion, slotSize)

	c.creditWord = make([]byte, 8)
	creditMR, err := rdmaverbs.RegisterMemoryRegion(pd, c.creditWord, rdmaverbs.DefaultAccessFlags)
	if err != nil {
		recvMR.Close()
		sendMR.Close()
		return nil, status.Internalf("register credit word: %v", err)
	}
	c.creditMR = creditMR

	c.advertiseScratch = make([]byte, 8)
	advertiseMR, err := rdmaverbs.RegisterMemoryRegion(pd, c.advertiseScratch, rdmaverbs.AccessFlags(0))
	if err != nil {
		recvMR.Close()
		sendMR.Close()
		creditMR.Close()
		return nil, status.Internalf("register credit advertisement scratch: %v", err)
	}
	c.advertiseMR = advertiseMR

	return c, nil
}

// Local returns this channel's bootstrap advertisement: what a peer needs
// to target this channel's receive half and credit word with RDMA WRITE.
func (c *Channel) Local() BootstrapInfo {
	return BootstrapInfo{
		Recv: HalfInfo{
			Rkey: c.recvMR.Rkey,
			Addr: uint64(c.recvMR.Addr),
			Len:  c.recvMR.Len,
		},
		Credit: CreditInfo{
			Rkey: c.creditMR.Rkey,
			Addr: uint64(c.creditMR.Addr),
		},
	}
}

// Bind records the peer's advertised bootstrap info, completing the
// channel's setup. Send may not be called before Bind.
func (c *Channel) Bind(peer BootstrapInfo) {
	c.peerRecv = peer.Recv
	c.peerCredit = peer.Credit
}

func (c *Channel) peerConsumed() uint32 {
	return binary.LittleEndian.Uint32(c.creditWord[0:4])
}

// Send stages payload into the local send half and RDMA-WRITEs it into the
// peer's receive half at the current send cursor. It returns ResourceExhausted
// if the peer has not yet consumed enough of the ring to make room, per the
// credit-based flow control in spec §4.3.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	occupied := c.sendCursor - c.peerConsumed()
	if occupied >= c.capacity {
		return status.ResourceExhaustedf("channel send ring full: %d/%d slots outstanding", occupied, c.capacity)
	}

	s := c.sendRing.at(c.sendCursor)
	if err := s.writeCommit(payload); err != nil {
		return err
	}

	offset := c.sendRing.slotOffset(c.sendCursor)
	wr := rdmaverbs.SendWR{
		WrID:        uint64(c.sendCursor),
		Opcode:      rdmaverbs.OpcodeRdmaWrite,
		SendFlags:   rdmaverbs.SendFlagSignaled,
		LocalAddr:   uintptr(unsafe.Pointer(&s.buf[0])),
		Length:      c.slotSize,
		Lkey:        c.sendMR.Lkey,
		RemoteAddr:  c.peerRecv.Addr + offset,
		Rkey:        c.peerRecv.Rkey,
	}
	if err := rdmaverbs.PostSingle(c.qp, wr); err != nil {
		return status.Internalf("post rdma write: %v", err)
	}

	c.sendCursor++
	return nil
}

// TryDeliver polls the local receive half for the next slot the peer has
// committed via RDMA WRITE. It returns ok=false when nothing is ready yet;
// callers loop or back off, matching the channel's non-blocking-poll
// contract in spec §4.3.
func (c *Channel) TryDeliver() (payload []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.recvRing.at(c.recvCursor)
	if !s.valid() {
		return nil, false, nil
	}

	n := s.length()
	if uint64(n) > uint64(len(s.buf)-headerSize) {
		return nil, false, status.ResourceExhaustedf("slot length %d exceeds slot capacity %d", n, len(s.buf)-headerSize)
	}
	out := make([]byte, n)
	copy(out, s.payload(n))
	s.clear()
	c.recvCursor++

	if c.recvCursor-c.advertisedCursor >= c.halfBudget {
		if err := c.advertiseCredit(); err != nil {
			return out, true, err
		}
	}
	return out, true, nil
}

// advertiseCredit RDMA-WRITEs the current receive cursor into the peer's
// credit word, telling it how much of its outstanding send window has been
// freed. Caller holds c.mu.
func (c *Channel) advertiseCredit() error {
	binary.LittleEndian.PutUint32(c.advertiseScratch[0:4], c.recvCursor)

	wr := rdmaverbs.SendWR{
		WrID:       uint64(c.recvCursor),
		Opcode:     rdmaverbs.OpcodeRdmaWrite,
		SendFlags:  rdmaverbs.SendFlagSignaled,
		LocalAddr:  uintptr(unsafe.Pointer(&c.advertiseScratch[0])),
		Length:     8,
		Lkey:       c.advertiseMR.Lkey,
		RemoteAddr: c.peerCredit.Addr,
		Rkey:       c.peerCredit.Rkey,
	}
	if err := rdmaverbs.PostSingle(c.qp, wr); err != nil {
		return status.Internalf("post credit advertisement: %v", err)
	}
	c.advertisedCursor = c.recvCursor
	return nil
}

// Close releases the channel's registered memory regions. The underlying
// queue pair is owned by the connection, not the channel.
func (c *Channel) Close() error {
	var firstErr error
	if err := c.recvMR.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.sendMR.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.creditMR.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.advertiseMR.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
