package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sss-lehigh/librome/internal/connmgr"
	"github.com/sss-lehigh/librome/internal/rdmaverbs"
	"github.com/sss-lehigh/librome/internal/status"
)

// CompletionMode selects how a pool op learns its RDMA work request has
// finished: each op polls its own connection's CQ directly (Private), or a
// single background worker polls every registered connection and hands
// completions off through per-request mailboxes (Shared).
type CompletionMode int

const (
	PrivateCompletion CompletionMode = iota
	SharedCompletion
)

// ThreadMax bounds how many goroutines may register with a shared
// completion worker, matching the fixed-size thread table in the original
// memory pool design.
const ThreadMax = 50

func pollOnce(conn *connmgr.Connection, wrID uint64) (rdmaverbs.WorkCompletion, bool, error) {
	var buf [16]rdmaverbs.WorkCompletion
	n, err := rdmaverbs.PollCQ(conn.CQ(), buf[:])
	if err != nil {
		return rdmaverbs.WorkCompletion{}, false, status.Internalf("poll cq: %v", err)
	}
	for i := 0; i < n; i++ {
		if buf[i].WrID == wrID {
			if buf[i].Status != rdmaverbs.WCSuccess {
				return buf[i], true, status.Internalf("work completion failed with status %d", buf[i].Status)
			}
			return buf[i], true, nil
		}
	}
	return rdmaverbs.WorkCompletion{}, false, nil
}

// waitPrivate busy-polls conn's own CQ until wrID completes or timeout
// elapses. This is the default completion mode: no shared state, no
// coordination, one CQ per op.
func waitPrivate(conn *connmgr.Connection, wrID uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wc, found, err := pollOnce(conn, wrID)
		if err != nil {
			return err
		}
		if found {
			_ = wc
			return nil
		}
	}
	return status.Unavailablef("timed out waiting for completion of wr %d", wrID)
}

// SharedWorker round-robins the CQs of every registered connection from a
// single background goroutine, dispatching each completion to the mailbox
// the issuing call registered for its work request id. This amortizes
// polling overhead across many client goroutines sharing one CQ, as
// described in spec §7's private-vs-shared completion modes.
type SharedWorker struct {
	mu      sync.Mutex
	conns   map[string]*connmgr.Connection // registration id -> connection
	waiting map[uint64]chan rdmaverbs.WorkCompletion

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSharedWorker creates a worker; call Run to start its polling loop.
func NewSharedWorker() *SharedWorker {
	return &SharedWorker{
		conns:   make(map[string]*connmgr.Connection),
		waiting: make(map[uint64]chan rdmaverbs.WorkCompletion),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// RegisterThread adds conn's CQ to the worker's poll set, returning a
// registration id (tagged with a uuid, for log correlation) and an error if
// ThreadMax would be exceeded.
func (w *SharedWorker) RegisterThread(conn *connmgr.Connection) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.conns) >= ThreadMax {
		return "", status.ResourceExhaustedf("shared completion worker already has %d registered threads", ThreadMax)
	}
	id := uuid.New().String()
	w.conns[id] = conn
	return id, nil
}

// KillWorkerThread removes a registration added by RegisterThread.
func (w *SharedWorker) KillWorkerThread(id string) {
	w.mu.Lock()
	delete(w.conns, id)
	w.mu.Unlock()
}

// Run starts the polling loop in the background. Stop ends it.
func (w *SharedWorker) Run() {
	go w.loop()
}

func (w *SharedWorker) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.mu.Lock()
		conns := make([]*connmgr.Connection, 0, len(w.conns))
		for _, c := range w.conns {
			conns = append(conns, c)
		}
		w.mu.Unlock()

		if len(conns) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		var buf [16]rdmaverbs.WorkCompletion
		for _, c := range conns {
			n, err := rdmaverbs.PollCQ(c.CQ(), buf[:])
			if err != nil || n == 0 {
				continue
			}
			for i := 0; i < n; i++ {
				w.mu.Lock()
				ch, ok := w.waiting[buf[i].WrID]
				if ok {
					delete(w.waiting, buf[i].WrID)
				}
				w.mu.Unlock()
				if ok {
					ch <- buf[i]
				}
			}
		}
	}
}

// Stop signals the polling loop to exit and waits for it to drain.
func (w *SharedWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Wait registers a mailbox for wrID and blocks until the worker delivers
// its completion or timeout elapses.
func (w *SharedWorker) Wait(wrID uint64, timeout time.Duration) error {
	ch := make(chan rdmaverbs.WorkCompletion, 1)
	w.mu.Lock()
	w.waiting[wrID] = ch
	w.mu.Unlock()

	select {
	case wc := <-ch:
		if wc.Status != rdmaverbs.WCSuccess {
			return status.Internalf("work completion failed with status %d", wc.Status)
		}
		return nil
	case <-time.After(timeout):
		w.mu.Lock()
		delete(w.waiting, wrID)
		w.mu.Unlock()
		return status.Unavailablef("timed out waiting for completion of wr %d", wrID)
	}
}
