package rdmaverbs

/*
#include <infiniband/verbs.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// QPInitAttr mirrors the fields of ibv_qp_init_attr this library cares
// about. MaxSendWr/MaxRecvWr are supplied by the caller; the connection
// manager uses a fixed 256 for both on every QP it creates.
type QPInitAttr struct {
	SendCQ       *CompletionQueue
	RecvCQ       *CompletionQueue
	MaxSendWr    int
	MaxRecvWr    int
	MaxSendSge   int
	MaxRecvSge   int
	SignalAll    bool
}

// QueuePair wraps an ibv_qp created via rdma_create_qp (owned by a CMID) or
// directly via ibv_create_qp (loopback path).
type QueuePair struct {
	ptr *C.struct_ibv_qp
}

func (qp *QueuePair) QPNum() uint32 {
	if qp == nil || qp.ptr == nil {
		return 0
	}
	return uint32(qp.ptr.qp_num)
}

// rdmaUnion mirrors the layout of ibv_send_wr's anonymous wr.rdma union.
type rdmaUnion struct {
	RemoteAddr uint64
	Rkey       uint32
	_          uint32 // padding
}

// atomicUnion mirrors the layout of ibv_send_wr's anonymous wr.atomic union.
type atomicUnion struct {
	RemoteAddr uint64
	CompareAdd uint64
	Swap       uint64
	Rkey       uint32
	_          uint32 // padding
}

// Opcode mirrors ibv_wr_opcode for the subset of verbs this library issues.
type Opcode int

const (
	OpcodeRdmaWrite       Opcode = C.IBV_WR_RDMA_WRITE
	OpcodeRdmaRead        Opcode = C.IBV_WR_RDMA_READ
	OpcodeAtomicCmpAndSwp Opcode = C.IBV_WR_ATOMIC_CMP_AND_SWP
)

const SendFlagSignaled = uint32(C.IBV_SEND_SIGNALED)
const SendFlagFence = uint32(C.IBV_SEND_FENCE)

// SendWR is a Go-side mirror of one ibv_send_wr plus its single SGE, used to
// build a DoorbellBatch before flattening into the C array ibv_post_send
// expects.
type SendWR struct {
	WrID       uint64
	Opcode     Opcode
	SendFlags  uint32
	LocalAddr  uintptr
	Length     uint32
	Lkey       uint32
	RemoteAddr uint64
	Rkey       u32OrZero
	CompareAdd uint64
	Swap       uint64
}

// u32OrZero avoids an import cycle with a plain type alias; it is simply a
// named uint32 used for documentation purposes at call sites.
type u32OrZero = uint32

// DoorbellBatch is a pre-linked chain of work requests posted with a single
// ibv_post_send call, mirroring memory_pool.h's DoorbellBatch.
type DoorbellBatch struct {
	qp  *QueuePair
	wrs []C.struct_ibv_send_wr
	sges []C.struct_ibv_sge
}

// NewDoorbellBatch allocates a chain of capacity work requests linked by
// `next`, with the final WR marked SIGNALED.
func NewDoorbellBatch(qp *QueuePair, capacity int) *DoorbellBatch {
	b := &DoorbellBatch{
		qp:   qp,
		wrs:  make([]C.struct_ibv_send_wr, capacity),
		sges: make([]C.struct_ibv_sge, capacity),
	}
	for i := 0; i < capacity; i++ {
		if i > 0 {
			b.wrs[i-1].next = &b.wrs[i]
		}
	}
	if capacity > 0 {
		b.wrs[capacity-1].send_flags |= C.uint32_t(SendFlagSignaled)
	}
	return b
}

// Set fills in WR index i with the given descriptor. i must be in
// [0, capacity).
func (b *DoorbellBatch) Set(i int, wr SendWR) {
	w := &b.wrs[i]
	sge := &b.sges[i]

	sge.addr = C.uint64_t(wr.LocalAddr)
	sge.length = C.uint32_t(wr.Length)
	sge.lkey = C.uint32_t(wr.Lkey)

	w.wr_id = C.uint64_t(wr.WrID)
	w.sg_list = sge
	w.num_sge = 1
	w.opcode = C.enum_ibv_wr_opcode(wr.Opcode)
	w.send_flags |= C.uint32_t(wr.SendFlags)

	switch wr.Opcode {
	case OpcodeRdmaWrite, OpcodeRdmaRead:
		u := (*rdmaUnion)(unsafe.Pointer(&w.wr))
		u.RemoteAddr = wr.RemoteAddr
		u.Rkey = wr.Rkey
	case OpcodeAtomicCmpAndSwp:
		u := (*atomicUnion)(unsafe.Pointer(&w.wr))
		u.RemoteAddr = wr.RemoteAddr
		u.CompareAdd = wr.CompareAdd
		u.Swap = wr.Swap
		u.Rkey = wr.Rkey
	}
}

// Post issues the whole chain via one ibv_post_send call.
func (b *DoorbellBatch) Post() error {
	if len(b.wrs) == 0 {
		return nil
	}
	var bad *C.struct_ibv_send_wr
	rc := C.ibv_post_send(b.qp.ptr, &b.wrs[0], &bad)
	if rc != 0 {
		return fmt.Errorf("ibv_post_send: %d", rc)
	}
	return nil
}

// PostSingle posts a single work request (no chaining), used by the memory
// pool's single-op Read/Write/CAS paths (in either completion mode) and by
// the channel's RDMA WRITEs, none of which need a doorbell batch.
func PostSingle(qp *QueuePair, wr SendWR) error {
	batch := NewDoorbellBatch(qp, 1)
	batch.Set(0, wr)
	return batch.Post()
}
