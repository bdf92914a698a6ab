// Package connmgr implements the connection manager described in spec §4.2:
// deadlock-free arbitration over simultaneous bidirectional connects, a
// loopback fast path for self-connections, and a Connection per established
// peer pairing a queue pair with a two-sided channel.
package connmgr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sss-lehigh/librome/internal/backoff"
	"github.com/sss-lehigh/librome/internal/channel"
	"github.com/sss-lehigh/librome/internal/device"
	"github.com/sss-lehigh/librome/internal/rdmaverbs"
	"github.com/sss-lehigh/librome/internal/status"
)

// Config parameterizes a Manager's channel geometry and timeouts.
type Config struct {
	ChannelCapacitySlots uint32
	ChannelSlotSize      uint32
	ResolveTimeout       time.Duration
	ConnectTimeout       time.Duration
}

// DefaultConfig matches the floors named in spec §4.3.
func DefaultConfig() Config {
	return Config{
		ChannelCapacitySlots: channel.MinCapacity / channel.MinSlotSize,
		ChannelSlotSize:      channel.MinSlotSize,
		ResolveTimeout:       2 * time.Second,
		ConnectTimeout:       5 * time.Second,
	}
}

// lockFree is the sentinel value for Manager.lock: no arbitration in
// progress.
const lockFree = -1

// Manager is the per-node connection manager: one per process, owning the
// device's broker and every Connection to every peer.
type Manager struct {
	log    *logrus.Logger
	cfg    Config
	dev    *device.Device
	broker *device.Broker
	nodeID uint16

	addresses map[uint16]string // peer id -> "host:port"

	lock atomic.Int32 // lockFree, or the peer id currently under arbitration

	mu          sync.Mutex
	conns       map[uint16]*Connection
	byID        map[*rdmaverbs.CMID]*Connection
	provisional map[*rdmaverbs.CMID]uint16 // accepted but not yet ESTABLISHED
	waiters     map[uint16][]chan struct{}
}

// New constructs a Manager bound to dev, listening on addr:port, known to
// peers as nodeID. addresses maps every other node id to its "host:port".
func New(log *logrus.Logger, dev *device.Device, addr string, port uint16, nodeID uint16, addresses map[uint16]string, cfg Config) (*Manager, error) {
	m := &Manager{
		log:         log,
		cfg:         cfg,
		dev:         dev,
		nodeID:      nodeID,
		addresses:   addresses,
		conns:       make(map[uint16]*Connection),
		byID:        make(map[*rdmaverbs.CMID]*Connection),
		provisional: make(map[*rdmaverbs.CMID]uint16),
		waiters:     make(map[uint16][]chan struct{}),
	}
	m.lock.Store(lockFree)

	broker, err := device.NewBroker(log, addr, port, m)
	if err != nil {
		return nil, fmt.Errorf("new broker: %w", err)
	}
	m.broker = broker
	return m, nil
}

// Start runs the broker's event loop.
func (m *Manager) Start() { m.broker.Run() }

// Shutdown disconnects every connection and stops the broker.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.disconnect()
	}

	m.broker.Stop()
	m.broker.Close()
}

// tryAcquireLock implements the single-atomic-word arbitration described in
// spec §4.2: the lock is free (-1) or held by the peer id currently being
// arbitrated. Acquire succeeds only from free.
func (m *Manager) tryAcquireLock(peer uint16) bool {
	return m.lock.CompareAndSwap(lockFree, int32(peer))
}

func (m *Manager) releaseLock(peer uint16) {
	m.lock.CompareAndSwap(int32(peer), lockFree)
}

// yieldsTo implements the tie-break rule for simultaneous bidirectional
// connects: the lower node id's outbound attempt wins; the higher id
// abandons its own attempt and accepts the incoming one instead.
func (m *Manager) yieldsTo(peer uint16) bool {
	return m.nodeID > peer
}

// GetConnection returns the established connection to peer, if any.
func (m *Manager) GetConnection(peer uint16) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peer]
	return c, ok
}

// Connect returns the connection to peer, establishing it if necessary.
// Concurrent calls for the same peer converge on one connection attempt.
func (m *Manager) Connect(peer uint16) (*Connection, error) {
	if peer == m.nodeID {
		return m.connectLoopback()
	}

	if c, ok := m.GetConnection(peer); ok {
		return c, nil
	}

	b := backoff.New(peer)
	deadline := time.Now().Add(m.cfg.ConnectTimeout * 4)
	for time.Now().Before(deadline) {
		if c, ok := m.GetConnection(peer); ok {
			return c, nil
		}
		if !m.tryAcquireLock(peer) {
			b.Sleep()
			continue
		}

		c, err := m.dialActive(peer)
		m.releaseLock(peer)
		if err == nil {
			return c, nil
		}
		if status.Is(err, status.Unavailable) {
			b.Sleep()
			continue
		}
		return nil, err
	}
	return nil, status.Unavailablef("timed out connecting to node %d", peer)
}

// connectLoopback builds a Connection to this node's own id without
// involving rdma_cm at all, per spec §4.2's loopback fast path.
func (m *Manager) connectLoopback() (*Connection, error) {
	if c, ok := m.GetConnection(m.nodeID); ok {
		return c, nil
	}

	cq, err := rdmaverbs.CreateCQ(m.dev.Context(), 256)
	if err != nil {
		return nil, status.Internalf("loopback create cq: %v", err)
	}
	attr := rdmaverbs.QPInitAttr{
		SendCQ: cq, RecvCQ: cq,
		MaxSendWr: 256, MaxRecvWr: 256,
		MaxSendSge: 1, MaxRecvSge: 1,
		SignalAll: false,
	}
	qp, err := rdmaverbs.CreateLoopbackQP(m.dev.Context(), m.dev.PD(), attr)
	if err != nil {
		return nil, status.Internalf("loopback create qp: %v", err)
	}
	if err := rdmaverbs.ModifyQPInit(qp, rdmaverbs.DefaultAccessFlags, rdmaverbs.LoopbackPortNum); err != nil {
		return nil, status.Internalf("loopback init: %v", err)
	}
	if err := rdmaverbs.ModifyQPToRTR(qp, qp.QPNum(), rdmaverbs.LoopbackPortNum); err != nil {
		return nil, status.Internalf("loopback rtr: %v", err)
	}
	if err := rdmaverbs.ModifyQPToRTS(qp); err != nil {
		return nil, status.Internalf("loopback rts: %v", err)
	}

	ch, err := channel.New(m.dev.PD(), qp, m.cfg.ChannelCapacitySlots, m.cfg.ChannelSlotSize)
	if err != nil {
		return nil, status.Internalf("loopback channel: %v", err)
	}
	ch.Bind(ch.Local()) // self-loop: own advertisement is also the peer's

	c := &Connection{SrcID: m.nodeID, DstID: m.nodeID, qp: qp, cq: cq, Channel: ch}

	m.mu.Lock()
	m.conns[m.nodeID] = c
	m.mu.Unlock()
	return c, nil
}

// dialActive drives the full client-side rdma_cm handshake: resolve
// address, resolve route, create qp, exchange handshake payloads over
// private data, wait for ESTABLISHED.
func (m *Manager) dialActive(peer uint16) (*Connection, error) {
	addr, ok := m.addresses[peer]
	if !ok {
		return nil, status.FailedPreconditionf("no address registered for node %d", peer)
	}
	host, port, err := rdmaverbs.ParseHostPort(addr)
	if err != nil {
		return nil, status.FailedPreconditionf("parse address for node %d: %v", peer, err)
	}

	ec, err := rdmaverbs.CreateEventChannel()
	if err != nil {
		return nil, status.Internalf("create event channel: %v", err)
	}
	if err := ec.SetNonBlocking(); err != nil {
		ec.Close()
		return nil, status.Internalf("set non-blocking: %v", err)
	}

	id, err := rdmaverbs.CreateID(ec)
	if err != nil {
		ec.Close()
		return nil, status.Internalf("create id: %v", err)
	}

	if err := id.ResolveAddr(host, port, int(m.cfg.ResolveTimeout.Milliseconds())); err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Unavailablef("resolve addr: %v", err)
	}
	if _, err := waitEvent(ec, rdmaverbs.EventAddrResolved, m.cfg.ResolveTimeout); err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Unavailablef("wait addr resolved: %v", err)
	}

	if err := id.ResolveRoute(int(m.cfg.ResolveTimeout.Milliseconds())); err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Unavailablef("resolve route: %v", err)
	}
	if _, err := waitEvent(ec, rdmaverbs.EventRouteResolved, m.cfg.ResolveTimeout); err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Unavailablef("wait route resolved: %v", err)
	}

	cq, err := rdmaverbs.CreateCQ(m.dev.Context(), 256)
	if err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Internalf("create cq: %v", err)
	}
	qpAttr := rdmaverbs.QPInitAttr{
		SendCQ: cq, RecvCQ: cq,
		MaxSendWr: 256, MaxRecvWr: 256,
		MaxSendSge: 1, MaxRecvSge: 1,
	}
	if err := id.CreateQP(m.dev.PD(), qpAttr); err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Internalf("create qp: %v", err)
	}

	ch, err := channel.New(m.dev.PD(), id.QP(), m.cfg.ChannelCapacitySlots, m.cfg.ChannelSlotSize)
	if err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Internalf("create channel: %v", err)
	}

	hs := handshake{NodeID: m.nodeID, Bootstrap: ch.Local()}
	if err := id.Connect(hs.encode()); err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Unavailablef("rdma_connect: %v", err)
	}

	event, err := waitEvent(ec, rdmaverbs.EventEstablished, m.cfg.ConnectTimeout)
	if err != nil {
		id.Destroy()
		ec.Close()
		return nil, status.Unavailablef("wait established: %v", err)
	}
	peerHS, ok := decodeHandshake(event.PrivateData())
	if !ok {
		event.Ack()
		id.Destroy()
		ec.Close()
		return nil, status.Internalf("malformed handshake from node %d", peer)
	}
	ch.Bind(peerHS.Bootstrap)
	event.Ack()

	c := &Connection{SrcID: m.nodeID, DstID: peer, id: id, qp: id.QP(), cq: cq, Channel: ch}

	m.mu.Lock()
	m.conns[peer] = c
	m.byID[id] = c
	m.mu.Unlock()

	go m.clientEventLoop(ec, id)
	return c, nil
}

// clientEventLoop polls the dedicated event channel a client-initiated
// connection uses once established, translating DISCONNECTED into cleanup.
// The broker's own event loop never sees these events because the id was
// created on a private channel, not the listening one.
func (m *Manager) clientEventLoop(ec *rdmaverbs.EventChannel, id *rdmaverbs.CMID) {
	fds := []unix.PollFd{{Fd: int32(ec.Fd()), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			return
		}
		if n <= 0 {
			m.mu.Lock()
			_, alive := m.byID[id]
			m.mu.Unlock()
			if !alive {
				return
			}
			continue
		}
		event, err := rdmaverbs.GetCMEvent(ec)
		if err != nil {
			continue
		}
		if event.Type() == rdmaverbs.EventDisconnected {
			event.Ack()
			m.finalizeDisconnect(id)
			ec.Close()
			return
		}
		event.Ack()
	}
}

// waitEvent polls ec until an event of type want arrives or the timeout
// elapses.
func waitEvent(ec *rdmaverbs.EventChannel, want rdmaverbs.CMEventType, timeout time.Duration) (*rdmaverbs.CMEvent, error) {
	fds := []unix.PollFd{{Fd: int32(ec.Fd()), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := int(time.Until(deadline).Milliseconds())
		if remaining <= 0 {
			break
		}
		if remaining > 200 {
			remaining = 200
		}
		n, err := unix.Poll(fds, remaining)
		if err != nil || n <= 0 {
			continue
		}
		event, err := rdmaverbs.GetCMEvent(ec)
		if err != nil {
			continue
		}
		if event.Type() == want {
			return event, nil
		}
		event.Ack()
	}
	return nil, status.Unavailablef("timed out waiting for %s", want.String())
}

// OnConnectRequest implements device.Receiver: the passive side of a new
// connection. It decodes the peer's handshake, arbitrates against any
// outbound attempt this node has in flight to the same peer, and either
// accepts (completing its own half of the handshake) or rejects.
func (m *Manager) OnConnectRequest(id *rdmaverbs.CMID, event *rdmaverbs.CMEvent) {
	defer event.Ack()

	hs, ok := decodeHandshake(event.PrivateData())
	if !ok {
		m.log.Warn("connect request with malformed handshake, destroying id")
		id.Destroy()
		return
	}

	if _, already := m.GetConnection(hs.NodeID); already {
		m.log.WithField("peer", hs.NodeID).Debug("rejecting duplicate connect request")
		id.Destroy()
		return
	}

	if m.lock.Load() == int32(hs.NodeID) && !m.yieldsTo(hs.NodeID) {
		m.log.WithField("peer", hs.NodeID).Debug("rejecting incoming request, own outbound dial wins tie-break")
		id.Destroy()
		return
	}
	if m.lock.Load() == int32(hs.NodeID) {
		m.releaseLock(hs.NodeID)
	}

	cq, err := rdmaverbs.CreateCQ(m.dev.Context(), 256)
	if err != nil {
		m.log.WithError(err).Error("create cq for accepted connection")
		id.Destroy()
		return
	}
	qpAttr := rdmaverbs.QPInitAttr{
		SendCQ: cq, RecvCQ: cq,
		MaxSendWr: 256, MaxRecvWr: 256,
		MaxSendSge: 1, MaxRecvSge: 1,
	}
	if err := id.CreateQP(m.dev.PD(), qpAttr); err != nil {
		m.log.WithError(err).Error("create qp for accepted connection")
		id.Destroy()
		return
	}

	ch, err := channel.New(m.dev.PD(), id.QP(), m.cfg.ChannelCapacitySlots, m.cfg.ChannelSlotSize)
	if err != nil {
		m.log.WithError(err).Error("create channel for accepted connection")
		id.Destroy()
		return
	}
	ch.Bind(hs.Bootstrap)

	ownHS := handshake{NodeID: m.nodeID, Bootstrap: ch.Local()}
	if err := id.Accept(ownHS.encode()); err != nil {
		m.log.WithError(err).Error("rdma_accept")
		id.Destroy()
		return
	}

	c := &Connection{SrcID: m.nodeID, DstID: hs.NodeID, id: id, qp: id.QP(), cq: cq, Channel: ch}
	m.mu.Lock()
	m.provisional[id] = hs.NodeID
	m.byID[id] = c
	m.mu.Unlock()
}

// OnEstablished implements device.Receiver for the passive side: the
// provisional connection created in OnConnectRequest becomes visible to
// GetConnection/Connect.
func (m *Manager) OnEstablished(id *rdmaverbs.CMID, event *rdmaverbs.CMEvent) {
	defer event.Ack()

	m.mu.Lock()
	peer, ok := m.provisional[id]
	c := m.byID[id]
	if ok {
		delete(m.provisional, id)
		m.conns[peer] = c
	}
	waiters := m.waiters[peer]
	delete(m.waiters, peer)
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// OnDisconnect implements device.Receiver.
func (m *Manager) OnDisconnect(id *rdmaverbs.CMID) {
	m.finalizeDisconnect(id)
}

func (m *Manager) finalizeDisconnect(id *rdmaverbs.CMID) {
	m.mu.Lock()
	c, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.conns, c.DstID)
	}
	delete(m.provisional, id)
	m.mu.Unlock()

	if ok {
		c.disconnect()
	}
}
