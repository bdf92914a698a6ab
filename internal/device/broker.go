package device

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sss-lehigh/librome/internal/rdmaverbs"
)

// Receiver handles the rdma_cm events the broker's event loop dispatches.
// Acking CONNECT_REQUEST and ESTABLISHED events is the receiver's
// responsibility (spec §4.1): it lets the callback control when the kernel
// may reuse the id.
type Receiver interface {
	OnConnectRequest(id *rdmaverbs.CMID, event *rdmaverbs.CMEvent)
	OnEstablished(id *rdmaverbs.CMID, event *rdmaverbs.CMEvent)
	OnDisconnect(id *rdmaverbs.CMID)
}

// Broker owns one rdma_cm event channel in non-blocking mode, bound to a
// listening address, and runs a single event-loop goroutine that translates
// rdma_cm events into Receiver callbacks.
type Broker struct {
	log      *logrus.Logger
	ec       *rdmaverbs.EventChannel
	listenID *rdmaverbs.CMID
	recv     Receiver

	address string
	port    uint16

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewBroker binds addr:port (port 0 picks an ephemeral port) and starts
// listening. The event loop is not started until Run is called.
func NewBroker(log *logrus.Logger, addr string, port uint16, recv Receiver) (*Broker, error) {
	ec, err := rdmaverbs.CreateEventChannel()
	if err != nil {
		return nil, fmt.Errorf("create event channel: %w", err)
	}
	if err := ec.SetNonBlocking(); err != nil {
		ec.Close()
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	id, err := rdmaverbs.CreateID(ec)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("create listening id: %w", err)
	}
	if err := id.BindAddr(addr, port); err != nil {
		id.Destroy()
		ec.Close()
		return nil, fmt.Errorf("bind addr: %w", err)
	}
	if err := id.Listen(128); err != nil {
		id.Destroy()
		ec.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Broker{
		log:      log,
		ec:       ec,
		listenID: id,
		recv:     recv,
		address:  addr,
		port:     id.BoundPort(),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (b *Broker) Address() string { return b.address }
func (b *Broker) Port() uint16    { return b.port }

// Run starts the single event-loop goroutine. It returns immediately; the
// loop runs until Stop is called.
func (b *Broker) Run() {
	go b.eventLoop()
}

func (b *Broker) eventLoop() {
	defer close(b.doneCh)

	fds := []unix.PollFd{{Fd: int32(b.ec.Fd()), Events: unix.POLLIN}}
	for {
		select {
		case <-b.closeCh:
			return
		default:
		}

		n, err := unix.Poll(fds, 1000)
		if err != nil || n <= 0 {
			continue
		}

		event, err := rdmaverbs.GetCMEvent(b.ec)
		if err != nil {
			b.log.WithError(err).Debug("rdma_get_cm_event: no event ready")
			continue
		}

		switch event.Type() {
		case rdmaverbs.EventConnectRequest:
			b.recv.OnConnectRequest(event.ID(), event)
		case rdmaverbs.EventEstablished:
			b.recv.OnEstablished(event.ID(), event)
		case rdmaverbs.EventDisconnected:
			b.recv.OnDisconnect(event.ID())
			event.Ack()
		default:
			b.log.WithField("event", event.Type().String()).Debug("unhandled broker event")
			event.Ack()
		}
	}
}

// Stop signals the event loop to exit and waits for it to drain.
func (b *Broker) Stop() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	<-b.doneCh
}

// Close tears down the listening id and event channel. Stop must be called
// first.
func (b *Broker) Close() error {
	var firstErr error
	if err := b.listenID.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.ec.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
