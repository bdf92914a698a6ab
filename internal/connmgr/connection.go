package connmgr

import (
	"sync/atomic"

	"github.com/sss-lehigh/librome/internal/channel"
	"github.com/sss-lehigh/librome/internal/rdmaverbs"
	"github.com/sss-lehigh/librome/internal/status"
)

// Connection pairs one established queue pair with the two-sided message
// channel layered over it, per spec §4.2 ("a Connection owns exactly one
// QP and one Channel for its lifetime").
type Connection struct {
	SrcID uint16
	DstID uint16

	id      *rdmaverbs.CMID // nil for the loopback connection
	qp      *rdmaverbs.QueuePair
	cq      *rdmaverbs.CompletionQueue
	Channel *channel.Channel

	terminated atomic.Bool
}

// Terminated reports whether Disconnect/OnDisconnect has fired for this
// connection.
func (c *Connection) Terminated() bool { return c.terminated.Load() }

// QP returns the connection's queue pair, used directly by the memory pool
// for RDMA read/write/atomic work requests (spec §7).
func (c *Connection) QP() *rdmaverbs.QueuePair { return c.qp }

// CQ returns the completion queue backing the connection's queue pair, so
// the memory pool can poll for RDMA read/write/atomic completions. The
// two-sided channel never posts to it with a wait in mind (spec §4.3: "no
// receive work requests are posted"); this is solely for pool operations.
func (c *Connection) CQ() *rdmaverbs.CompletionQueue { return c.cq }

// Send delivers a message to the peer over the two-sided channel.
func (c *Connection) Send(payload []byte) error {
	if c.terminated.Load() {
		return status.FailedPreconditionf("connection to node %d is terminated", c.DstID)
	}
	return c.Channel.Send(payload)
}

// TryDeliver polls for the next message the peer has sent.
func (c *Connection) TryDeliver() ([]byte, bool, error) {
	if c.terminated.Load() {
		return nil, false, status.FailedPreconditionf("connection to node %d is terminated", c.DstID)
	}
	return c.Channel.TryDeliver()
}

// disconnect marks the connection terminated and tears down its RDMA
// resources. Safe to call more than once.
func (c *Connection) disconnect() {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	if c.Channel != nil {
		c.Channel.Close()
	}
	if c.id != nil {
		c.id.Disconnect()
		c.id.Destroy()
	}
}
