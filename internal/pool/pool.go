// Package pool implements the one-sided RDMA memory pool described in
// spec §7: Allocate/Deallocate over a local slab arena, and Read/Write/
// CompareAndSwap/AtomicSwap against any node's arena addressed by a
// RemotePtr.
package pool

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sss-lehigh/librome/internal/backoff"
	"github.com/sss-lehigh/librome/internal/connmgr"
	"github.com/sss-lehigh/librome/internal/device"
	"github.com/sss-lehigh/librome/internal/rdmaptr"
	"github.com/sss-lehigh/librome/internal/rdmaverbs"
	"github.com/sss-lehigh/librome/internal/slab"
	"github.com/sss-lehigh/librome/internal/status"
)

// DefaultOpTimeout bounds how long a single RDMA verb waits for its
// completion before the pool reports Unavailable.
const DefaultOpTimeout = 2 * time.Second

// MemoryPool is one node's participation in a distributed, symmetrically
// allocated RDMA memory pool: a local arena any peer may RDMA Read/Write/
// CAS into, plus the client-side verbs to reach every other node's arena.
type MemoryPool struct {
	log    *logrus.Logger
	dev    *device.Device
	mgr    *connmgr.Manager
	nodeID uint16

	arena *slab.Arena
	alloc *slab.Allocator
	mr    *rdmaverbs.MemoryRegion

	mode   CompletionMode
	shared *SharedWorker

	wrSeq atomic.Uint64

	mu    sync.RWMutex
	peers map[uint16]remoteArena

	opTimeout time.Duration
}

// New allocates a pool-owned arena of arenaSize bytes and registers it for
// remote read/write/atomic access.
func New(log *logrus.Logger, dev *device.Device, mgr *connmgr.Manager, nodeID uint16, arenaSize int, mode CompletionMode) (*MemoryPool, error) {
	arena, err := slab.NewArena(arenaSize)
	if err != nil {
		return nil, err
	}
	mr, err := rdmaverbs.RegisterMemoryRegion(dev.PD(), arena.Region(), rdmaverbs.DefaultAccessFlags)
	if err != nil {
		return nil, status.Internalf("register pool arena: %v", err)
	}

	p := &MemoryPool{
		log:       log,
		dev:       dev,
		mgr:       mgr,
		nodeID:    nodeID,
		arena:     arena,
		alloc:     slab.NewAllocator(arena),
		mr:        mr,
		mode:      mode,
		peers:     make(map[uint16]remoteArena),
		opTimeout: DefaultOpTimeout,
	}
	if mode == SharedCompletion {
		p.shared = NewSharedWorker()
		p.shared.Run()
	}
	return p, nil
}

// Init connects to every node in peers, exchanges arena advertisements
// over each connection's two-sided channel, and blocks until every peer's
// advertisement has arrived (spec §7's bootstrap barrier).
func (p *MemoryPool) Init(peers map[uint16]string, timeout time.Duration) error {
	own := remoteArena{Rkey: p.mr.Rkey, Base: uint64(p.mr.Addr), Len: p.mr.Len}
	advertisement := encodeArenaAdvertisement(own)

	// The loopback connection is a real RDMA path (spec §4.2's self-loop QP),
	// so self is registered like any other peer instead of short-circuiting
	// to a plain memory copy.
	p.mu.Lock()
	p.peers[p.nodeID] = own
	p.mu.Unlock()
	self, err := p.mgr.Connect(p.nodeID)
	if err != nil {
		return status.Internalf("connect loopback: %v", err)
	}
	if p.mode == SharedCompletion {
		if _, err := p.shared.RegisterThread(self); err != nil {
			p.log.WithError(err).Warn("could not register loopback connection with shared completion worker")
		}
	}

	// Peer dials are independent rdma_cm handshakes; run them concurrently
	// instead of paying each connection's round-trip serially.
	var mu sync.Mutex
	conns := make(map[uint16]*connmgr.Connection, len(peers))
	g, _ := errgroup.WithContext(context.Background())
	for peerID := range peers {
		peerID := peerID
		if peerID == p.nodeID {
			continue
		}
		g.Go(func() error {
			conn, err := p.mgr.Connect(peerID)
			if err != nil {
				return status.Unavailablef("connect to node %d: %v", peerID, err)
			}
			mu.Lock()
			conns[peerID] = conn
			mu.Unlock()
			if p.mode == SharedCompletion {
				if _, err := p.shared.RegisterThread(conn); err != nil {
					p.log.WithError(err).Warn("could not register connection with shared completion worker")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b := backoff.New(0)
	deadline := time.Now().Add(timeout)
	sent := make(map[uint16]bool, len(conns))
	for {
		for peerID, conn := range conns {
			if sent[peerID] {
				continue
			}
			if err := conn.Send(advertisement); err != nil {
				p.log.WithError(err).WithField("peer", peerID).Debug("retrying arena advertisement send")
				continue
			}
			sent[peerID] = true
		}

		for peerID, conn := range conns {
			if _, known := p.peerArena(peerID); known {
				continue
			}
			msg, ok, err := conn.TryDeliver()
			if err != nil || !ok {
				continue
			}
			if adv, ok := decodeArenaAdvertisement(msg); ok {
				p.mu.Lock()
				p.peers[peerID] = adv
				p.mu.Unlock()
			}
		}

		if len(sent) == len(conns) && p.allKnown(conns) {
			return nil
		}
		if time.Now().After(deadline) {
			return status.Unavailablef("timed out bootstrapping memory pool against %d peers", len(conns))
		}
		b.Sleep()
	}
}

func (p *MemoryPool) allKnown(conns map[uint16]*connmgr.Connection) bool {
	for peerID := range conns {
		if _, ok := p.peerArena(peerID); !ok {
			return false
		}
	}
	return true
}

func (p *MemoryPool) peerArena(id uint16) (remoteArena, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.peers[id]
	return a, ok
}

// Allocate reserves size bytes in this node's arena and returns a
// RemotePtr any node may use to address it.
func (p *MemoryPool) Allocate(size uint64) (rdmaptr.RemotePtr[byte], error) {
	offset, err := p.alloc.Allocate(size)
	if err != nil {
		return rdmaptr.RemotePtr[byte]{}, err
	}
	return rdmaptr.New[byte](p.nodeID, offset), nil
}

// Deallocate returns a previously allocated block (of the given size) to
// its slab class's free list. Only valid for pointers this node owns.
func (p *MemoryPool) Deallocate(ptr rdmaptr.RemotePtr[byte], size uint64) error {
	if ptr.ID() != p.nodeID {
		return status.FailedPreconditionf("cannot deallocate remote node %d's memory locally", ptr.ID())
	}
	return p.alloc.Deallocate(ptr.Address(), size)
}

func (p *MemoryPool) nextWrID() uint64 { return p.wrSeq.Add(1) }

func (p *MemoryPool) awaitCompletion(conn *connmgr.Connection, wrID uint64) error {
	if p.mode == SharedCompletion {
		return p.shared.Wait(wrID, p.opTimeout)
	}
	return waitPrivate(conn, wrID, p.opTimeout)
}

// Read copies length bytes starting at ptr into a freshly allocated local
// buffer, via RDMA READ even when ptr addresses this node's own arena
// (spec §4.2's loopback QP is a genuine RDMA path, not a local-copy
// shortcut).
func (p *MemoryPool) Read(ptr rdmaptr.RemotePtr[byte], length uint64) ([]byte, error) {
	conn, ok := p.mgr.GetConnection(ptr.ID())
	if !ok {
		return nil, status.FailedPreconditionf("no connection to node %d", ptr.ID())
	}
	remote, ok := p.peerArena(ptr.ID())
	if !ok {
		return nil, status.FailedPreconditionf("node %d's arena was never bootstrapped", ptr.ID())
	}

	local := make([]byte, length)
	lmr, err := rdmaverbs.RegisterMemoryRegion(p.dev.PD(), local, rdmaverbs.AccessFlags(0))
	if err != nil {
		return nil, status.Internalf("register read buffer: %v", err)
	}
	defer lmr.Close()

	wrID := p.nextWrID()
	wr := rdmaverbs.SendWR{
		WrID:       wrID,
		Opcode:     rdmaverbs.OpcodeRdmaRead,
		SendFlags:  rdmaverbs.SendFlagSignaled,
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     uint32(length),
		Lkey:       lmr.Lkey,
		RemoteAddr: remote.Base + ptr.Address(),
		Rkey:       remote.Rkey,
	}
	if err := rdmaverbs.PostSingle(conn.QP(), wr); err != nil {
		return nil, status.Internalf("post rdma read: %v", err)
	}
	if err := p.awaitCompletion(conn, wrID); err != nil {
		return nil, err
	}
	return local, nil
}

// Write RDMA-WRITEs data to ptr, including when ptr addresses this node's
// own arena (see Read).
func (p *MemoryPool) Write(ptr rdmaptr.RemotePtr[byte], data []byte) error {
	conn, ok := p.mgr.GetConnection(ptr.ID())
	if !ok {
		return status.FailedPreconditionf("no connection to node %d", ptr.ID())
	}
	remote, ok := p.peerArena(ptr.ID())
	if !ok {
		return status.FailedPreconditionf("node %d's arena was never bootstrapped", ptr.ID())
	}

	local := make([]byte, len(data))
	copy(local, data)
	lmr, err := rdmaverbs.RegisterMemoryRegion(p.dev.PD(), local, rdmaverbs.AccessFlags(0))
	if err != nil {
		return status.Internalf("register write buffer: %v", err)
	}
	defer lmr.Close()

	wrID := p.nextWrID()
	wr := rdmaverbs.SendWR{
		WrID:       wrID,
		Opcode:     rdmaverbs.OpcodeRdmaWrite,
		SendFlags:  rdmaverbs.SendFlagSignaled,
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     uint32(len(local)),
		Lkey:       lmr.Lkey,
		RemoteAddr: remote.Base + ptr.Address(),
		Rkey:       remote.Rkey,
	}
	if err := rdmaverbs.PostSingle(conn.QP(), wr); err != nil {
		return status.Internalf("post rdma write: %v", err)
	}
	return p.awaitCompletion(conn, wrID)
}

// CompareAndSwap performs a one-sided 8-byte atomic compare-and-swap at
// ptr, returning the pre-swap value observed on the remote side. ptr must
// be 8-byte aligned, per ibv_wr_atomic_cmp_swp's requirement.
func (p *MemoryPool) CompareAndSwap(ptr rdmaptr.RemotePtr[uint64], expect, swap uint64) (uint64, error) {
	conn, ok := p.mgr.GetConnection(ptr.ID())
	if !ok {
		return 0, status.FailedPreconditionf("no connection to node %d", ptr.ID())
	}
	remote, ok := p.peerArena(ptr.ID())
	if !ok {
		return 0, status.FailedPreconditionf("node %d's arena was never bootstrapped", ptr.ID())
	}

	local := make([]byte, 8)
	lmr, err := rdmaverbs.RegisterMemoryRegion(p.dev.PD(), local, rdmaverbs.AccessFlags(0))
	if err != nil {
		return 0, status.Internalf("register cas buffer: %v", err)
	}
	defer lmr.Close()

	wrID := p.nextWrID()
	wr := rdmaverbs.SendWR{
		WrID:       wrID,
		Opcode:     rdmaverbs.OpcodeAtomicCmpAndSwp,
		SendFlags:  rdmaverbs.SendFlagSignaled,
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     8,
		Lkey:       lmr.Lkey,
		RemoteAddr: remote.Base + ptr.Address(),
		Rkey:       remote.Rkey,
		CompareAdd: expect,
		Swap:       swap,
	}
	if err := rdmaverbs.PostSingle(conn.QP(), wr); err != nil {
		return 0, status.Internalf("post atomic cas: %v", err)
	}
	if err := p.awaitCompletion(conn, wrID); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(local), nil
}

// AtomicSwap unconditionally replaces the 8-byte value at ptr, implemented
// as a compare-and-swap retry loop (InfiniBand exposes no unconditional
// one-sided swap verb). hint seeds the loop's first guess at the current
// value, saving the probing round trip a blind CAS(0,0) would cost when the
// caller already has a recent read of ptr to start from. Returns the
// pre-swap value.
func (p *MemoryPool) AtomicSwap(ptr rdmaptr.RemotePtr[uint64], swap, hint uint64) (uint64, error) {
	current := hint
	for {
		observed, err := p.CompareAndSwap(ptr, current, swap)
		if err != nil {
			return 0, err
		}
		if observed == current {
			return observed, nil
		}
		current = observed
	}
}

// ExtendedRead reads count contiguous elements of elemSize bytes each
// starting at ptr in a single RDMA READ, for callers addressing an array or
// a sub-object rather than a single opaque blob (spec §4.4).
func (p *MemoryPool) ExtendedRead(ptr rdmaptr.RemotePtr[byte], count, elemSize uint64) ([]byte, error) {
	return p.Read(ptr, count*elemSize)
}

// PartialRead reads length bytes starting offset bytes into the object
// addressed by ptr, without requiring the caller to compute the shifted
// RemotePtr itself (spec §4.4).
func (p *MemoryPool) PartialRead(ptr rdmaptr.RemotePtr[byte], offset, length uint64) ([]byte, error) {
	return p.Read(ptr.Add(int64(offset)), length)
}

// killSwitchPollInterval bounds how often a kill-switch-aware completion
// wait rechecks the switch instead of blocking for the full op timeout.
const killSwitchPollInterval = time.Millisecond

// awaitCompletionKillable waits for wrID's completion like awaitCompletion,
// but polls in short ticks so a kill switch set mid-wait can interrupt it.
// A kill switch firing is not itself an error (spec §5): the caller gets a
// nil return and must consult the switch to tell cancellation apart from a
// genuine completion.
func (p *MemoryPool) awaitCompletionKillable(conn *connmgr.Connection, wrID uint64, kill *atomic.Bool) error {
	deadline := time.Now().Add(p.opTimeout)
	for time.Now().Before(deadline) {
		if kill.Load() {
			return nil
		}
		if p.mode == SharedCompletion {
			if err := p.shared.Wait(wrID, killSwitchPollInterval); err == nil {
				return nil
			} else if !status.Is(err, status.Unavailable) {
				return err
			}
			continue
		}
		wc, found, err := pollOnce(conn, wrID)
		if err != nil {
			return err
		}
		if found {
			_ = wc
			return nil
		}
		time.Sleep(killSwitchPollInterval)
	}
	return status.Unavailablef("timed out waiting for completion of wr %d", wrID)
}

// DoorbellBatchBuilder assembles a chain of one-sided RDMA operations to be
// posted with a single ibv_post_send call, per spec §4.4. Every operation
// added to the chain must target the same node as the pointer passed to
// NewDoorbellBatch, since one QP can only post one chain.
type DoorbellBatchBuilder struct {
	pool   *MemoryPool
	conn   *connmgr.Connection
	remote remoteArena
	nodeID uint16

	wrs   []rdmaverbs.SendWR
	reads map[int]*[]byte
	mrs   []*rdmaverbs.MemoryRegion

	fenceNext  bool
	killSwitch *atomic.Bool
}

// NewDoorbellBatch starts a builder whose chain targets the node addressed
// by ptr.
func (p *MemoryPool) NewDoorbellBatch(ptr rdmaptr.RemotePtr[byte]) (*DoorbellBatchBuilder, error) {
	conn, ok := p.mgr.GetConnection(ptr.ID())
	if !ok {
		return nil, status.FailedPreconditionf("no connection to node %d", ptr.ID())
	}
	remote, ok := p.peerArena(ptr.ID())
	if !ok {
		return nil, status.FailedPreconditionf("node %d's arena was never bootstrapped", ptr.ID())
	}
	return &DoorbellBatchBuilder{
		pool:   p,
		conn:   conn,
		remote: remote,
		nodeID: ptr.ID(),
		reads:  make(map[int]*[]byte),
	}, nil
}

func (b *DoorbellBatchBuilder) checkNode(ptr rdmaptr.RemotePtr[byte]) error {
	if ptr.ID() != b.nodeID {
		return status.FailedPreconditionf("doorbell batch targets node %d, cannot add op for node %d", b.nodeID, ptr.ID())
	}
	return nil
}

// nextFlags returns the send flags for the next work request being added,
// consuming a pending Fence request if one is queued.
func (b *DoorbellBatchBuilder) nextFlags() uint32 {
	var flags uint32
	if b.fenceNext {
		flags |= rdmaverbs.SendFlagFence
		b.fenceNext = false
	}
	return flags
}

// Fence marks the next operation added to the chain as fenced: it will not
// begin until every earlier operation in the chain has completed, per
// ibv_send_wr's IBV_SEND_FENCE semantics.
func (b *DoorbellBatchBuilder) Fence() *DoorbellBatchBuilder {
	b.fenceNext = true
	return b
}

// AddKillSwitch registers a kill switch polled while Execute awaits the
// chain's completion (spec §5). Observing it set makes Execute return with
// no error rather than waiting out the full operation timeout.
func (b *DoorbellBatchBuilder) AddKillSwitch(kill *atomic.Bool) *DoorbellBatchBuilder {
	b.killSwitch = kill
	return b
}

// AddRead appends an RDMA READ of length bytes at ptr to the chain. The
// returned pointer is filled in with the read bytes once Execute returns
// without error; it must not be dereferenced before then.
func (b *DoorbellBatchBuilder) AddRead(ptr rdmaptr.RemotePtr[byte], length uint64) (*[]byte, error) {
	if err := b.checkNode(ptr); err != nil {
		return nil, err
	}
	local := make([]byte, length)
	lmr, err := rdmaverbs.RegisterMemoryRegion(b.pool.dev.PD(), local, rdmaverbs.AccessFlags(0))
	if err != nil {
		return nil, status.Internalf("register doorbell read buffer: %v", err)
	}
	b.mrs = append(b.mrs, lmr)

	idx := len(b.wrs)
	b.wrs = append(b.wrs, rdmaverbs.SendWR{
		Opcode:     rdmaverbs.OpcodeRdmaRead,
		SendFlags:  b.nextFlags(),
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     uint32(length),
		Lkey:       lmr.Lkey,
		RemoteAddr: b.remote.Base + ptr.Address(),
		Rkey:       b.remote.Rkey,
	})
	b.reads[idx] = &local
	return &local, nil
}

// AddPartialRead appends an RDMA READ of length bytes starting offset bytes
// into the object addressed by ptr.
func (b *DoorbellBatchBuilder) AddPartialRead(ptr rdmaptr.RemotePtr[byte], offset, length uint64) (*[]byte, error) {
	return b.AddRead(ptr.Add(int64(offset)), length)
}

// AddWrite appends an RDMA WRITE of a copy of data to ptr. The chain keeps
// its own copy, so the caller's slice may be reused or discarded
// immediately after this call returns.
func (b *DoorbellBatchBuilder) AddWrite(ptr rdmaptr.RemotePtr[byte], data []byte) error {
	local := make([]byte, len(data))
	copy(local, data)
	return b.addWriteBytes(ptr, local)
}

// AddWriteBytes appends an RDMA WRITE directly against data, without an
// internal copy. The caller must leave data unmodified and alive until
// Execute returns.
func (b *DoorbellBatchBuilder) AddWriteBytes(ptr rdmaptr.RemotePtr[byte], data []byte) error {
	return b.addWriteBytes(ptr, data)
}

func (b *DoorbellBatchBuilder) addWriteBytes(ptr rdmaptr.RemotePtr[byte], data []byte) error {
	if err := b.checkNode(ptr); err != nil {
		return err
	}
	if len(data) == 0 {
		return status.FailedPreconditionf("cannot add a zero-length write to a doorbell batch")
	}
	lmr, err := rdmaverbs.RegisterMemoryRegion(b.pool.dev.PD(), data, rdmaverbs.AccessFlags(0))
	if err != nil {
		return status.Internalf("register doorbell write buffer: %v", err)
	}
	b.mrs = append(b.mrs, lmr)

	b.wrs = append(b.wrs, rdmaverbs.SendWR{
		Opcode:     rdmaverbs.OpcodeRdmaWrite,
		SendFlags:  b.nextFlags(),
		LocalAddr:  uintptr(unsafe.Pointer(&data[0])),
		Length:     uint32(len(data)),
		Lkey:       lmr.Lkey,
		RemoteAddr: b.remote.Base + ptr.Address(),
		Rkey:       b.remote.Rkey,
	})
	return nil
}

// DoorbellBatch is a built, ready-to-post chain produced by
// DoorbellBatchBuilder.Build.
type DoorbellBatch struct {
	pool     *MemoryPool
	conn     *connmgr.Connection
	low      *rdmaverbs.DoorbellBatch
	lastWrID uint64

	reads      map[int]*[]byte
	mrs        []*rdmaverbs.MemoryRegion
	killSwitch *atomic.Bool
}

// Build finalizes the chain: each work request's id is set to its own
// remote address (spec §4.4), and only the chain's final operation is
// completion-signaled, so Execute observes exactly one completion for the
// whole batch.
func (b *DoorbellBatchBuilder) Build() (*DoorbellBatch, error) {
	if len(b.wrs) == 0 {
		return nil, status.FailedPreconditionf("doorbell batch has no operations")
	}
	low := rdmaverbs.NewDoorbellBatch(b.conn.QP(), len(b.wrs))
	var lastWrID uint64
	for i, wr := range b.wrs {
		wr.WrID = wr.RemoteAddr
		low.Set(i, wr)
		lastWrID = wr.WrID
	}
	return &DoorbellBatch{
		pool:       b.pool,
		conn:       b.conn,
		low:        low,
		lastWrID:   lastWrID,
		reads:      b.reads,
		mrs:        b.mrs,
		killSwitch: b.killSwitch,
	}, nil
}

// Execute posts the chain with a single ibv_post_send call and waits for
// its one completion. If a kill switch was registered via AddKillSwitch and
// is observed set before the completion arrives, Execute returns nil early
// with no error (spec §5): callers that need to distinguish cancellation
// from a genuine completion should check the switch themselves afterward.
// AddRead/AddPartialRead destinations are only valid to read once Execute
// returns without error.
func (d *DoorbellBatch) Execute() error {
	defer func() {
		for _, mr := range d.mrs {
			mr.Close()
		}
	}()

	if err := d.low.Post(); err != nil {
		return status.Internalf("post doorbell batch: %v", err)
	}

	if d.killSwitch != nil {
		return d.pool.awaitCompletionKillable(d.conn, d.lastWrID, d.killSwitch)
	}
	return d.pool.awaitCompletion(d.conn, d.lastWrID)
}

// Close tears down the pool's arena registration and shared completion
// worker, if any.
func (p *MemoryPool) Close() error {
	if p.shared != nil {
		p.shared.Stop()
	}
	return p.mr.Close()
}
