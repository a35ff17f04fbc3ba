package call

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

type inboundSignal struct {
	msgType string
	payload json.RawMessage
}

// signalQueue is a bounded FIFO of inbound signaling work. All messages for a
// session funnel through it and are consumed by a single dispatch goroutine,
// which is what serializes HandleSignal processing in arrival order.
type signalQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxItems int
	items    []inboundSignal

	drops atomic.Uint64
}

func newSignalQueue(maxItems int) *signalQueue {
	q := &signalQueue{maxItems: maxItems}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *signalQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends one signal. It never blocks; signals past the bound are
// dropped and counted.
func (q *signalQueue) Enqueue(sig inboundSignal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.maxItems {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, sig)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a signal is available or the queue is closed.
func (q *signalQueue) Dequeue() (inboundSignal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return inboundSignal{}, false
	}
	sig := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = inboundSignal{}
	q.items = q.items[:len(q.items)-1]
	return sig, true
}

func (q *signalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
