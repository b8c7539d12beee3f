package core

import (
	"errors"
	"sync"

	"parley/server/internal/protocol"
)

// ErrEgressClosed is returned by a push after the receive side is gone.
var ErrEgressClosed = errors.New("egress queue closed")

// Egress is the unbounded delivery queue for one session. The routing core
// holds the push side; the transport drains it with Next and calls Close
// when the stream dies. Pushes never block, so a slow recipient cannot
// stall the dispatcher — the cost is unbounded growth for a stuck reader.
type Egress struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []protocol.SPacket
	closed   bool
	draining bool
}

func newEgress() *Egress {
	e := &Egress{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Egress) push(sp protocol.SPacket) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.draining {
		return ErrEgressClosed
	}
	e.items = append(e.items, sp)
	e.cond.Signal()
	return nil
}

// finish ends the queue from the core side: no further pushes, but packets
// already queued are still handed out.
func (e *Egress) finish() {
	e.mu.Lock()
	e.draining = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close abandons the queue from the receive side. Queued packets are
// dropped, not re-enqueued to any backlog.
func (e *Egress) Close() {
	e.mu.Lock()
	e.closed = true
	e.items = nil
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Next blocks until a packet is available or the queue ends. ok is false
// once the queue is closed, or finished and drained.
func (e *Egress) Next() (sp protocol.SPacket, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.closed {
			return protocol.SPacket{}, false
		}
		if len(e.items) > 0 {
			sp = e.items[0]
			e.items = e.items[1:]
			return sp, true
		}
		if e.draining {
			return protocol.SPacket{}, false
		}
		e.cond.Wait()
	}
}

// Len returns the number of queued packets.
func (e *Egress) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}
