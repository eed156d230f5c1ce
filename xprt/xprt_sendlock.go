package xprt

import (
	"container/heap"
	"context"
	"sync"
)

// Admission bands of the transmit lock, higher bands are served first.
const (
	bandReserve    = iota // holders without a request, e.g. connect
	bandFresh             // first transmission of a request
	bandRetransmit        // request that was transmitted before
)

func sendBand(rq *Request) int {
	switch {
	case rq == nil:
		return bandReserve
	case rq.transmits == 0:
		return bandFresh
	default:
		return bandRetransmit
	}
}

// sendHeap orders waiters by band, FIFO within a band.
type sendHeap []*waiter

var _ heap.Interface = (*sendHeap)(nil)

func (h sendHeap) Len() int { return len(h) }

func (h sendHeap) Less(i, j int) bool {
	if h[i].band != h[j].band {
		return h[i].band > h[j].band
	}
	return h[i].seq < h[j].seq
}

func (h sendHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *sendHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.idx = len(*h)
	*h = append(*h, w)
}

func (h *sendHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.idx = -1
	*h = old[:n-1]
	return w
}

type sendQueue struct {
	h sendHeap
}

func (q *sendQueue) init() { heap.Init(&q.h) }

func (q *sendQueue) len() int { return q.h.Len() }

func (q *sendQueue) push(w *waiter) { heap.Push(&q.h, w) }

func (q *sendQueue) pop() *waiter {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*waiter)
}

func (q *sendQueue) remove(w *waiter) {
	if w.idx < 0 {
		return
	}
	heap.Remove(&q.h, w.idx)
}

// wakeRequest removes the waiter of rq from the queue and wakes it with err.
func (q *sendQueue) wakeRequest(rq *Request, err error) bool {
	for _, w := range q.h {
		if w.rq == rq {
			heap.Remove(&q.h, w.idx)
			w.wake(err)
			return true
		}
	}
	return false
}

func (q *sendQueue) wakeAll(err error) int {
	n := 0
	for w := q.pop(); w != nil; w = q.pop() {
		w.wake(err)
		n++
	}
	return n
}

// lockSend acquires the transmit lock on behalf of rq, which may be nil.
// The holder flag and the congestion charge change in the same
// critical section.
//
// callers must hold t.l
func (t *Transport) lockSend(ctx context.Context, rq *Request) error {
	if !t.sendLocked && !t.closeWait && t.tryAdmit(rq) {
		t.grantSend(rq)
		return nil
	}
	w := newWaiter(rq)
	w.band = sendBand(rq)
	w.seq = t.sendSeq
	t.sendSeq++
	t.sending.push(w)
	return t.sleep(ctx, w, t.sending.remove)
}

func (t *Transport) grantSend(rq *Request) {
	t.sendLocked = true
	t.sendOwner = rq
}

// callers must hold t.l
func (t *Transport) unlockSend() {
	if !t.sendLocked {
		panic("xprt: unlock of unlocked transmit lock")
	}
	t.sendLocked = false
	t.sendOwner = nil
	t.lockNext()
}

// lockNext hands a free transmit lock to the cleanup task if the
// connection is waiting to close, otherwise to the highest-priority
// waiter the congestion window admits.
//
// callers must hold t.l
func (t *Transport) lockNext() {
	if t.sendLocked {
		return
	}
	if t.closeWait {
		t.grantSend(nil)
		go t.cleanup()
		return
	}
	var skipped []*waiter
	for w := t.sending.pop(); w != nil; w = t.sending.pop() {
		if t.tryAdmit(w.rq) {
			t.grantSend(w.rq)
			w.wake(nil)
			break
		}
		skipped = append(skipped, w)
	}
	for _, w := range skipped {
		t.sending.push(w)
	}
}

// SendGuard is a held transmit lock, see LockSend.
type SendGuard struct {
	t    *Transport
	once sync.Once
}

// LockSend blocks until the caller holds the transmit lock.
// rq may be nil to hold the lock without a request, at the lowest priority.
// It returns ErrAlreadyComplete if rq's reply lands while it waits.
// Unlock must be called on the returned guard.
func (t *Transport) LockSend(ctx context.Context, rq *Request) (*SendGuard, error) {
	defer t.l.Lock().Unlock()
	if err := t.lockSend(ctx, rq); err != nil {
		return nil, err
	}
	return &SendGuard{t: t}, nil
}

// Unlock is idempotent.
func (g *SendGuard) Unlock() {
	g.once.Do(func() {
		defer g.t.l.Lock().Unlock()
		g.t.unlockSend()
	})
}
