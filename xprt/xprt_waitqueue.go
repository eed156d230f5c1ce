package xprt

import (
	"context"
	"time"
)

// A waiter is a caller suspended on one of the Transport's queues.
// All fields are protected by Transport.l.
type waiter struct {
	ch    chan struct{}
	woken bool
	// nil means the caller was granted what it waited for
	err error

	// sending queue
	rq   *Request
	band int
	seq  uint64
	idx  int

	// backlog: the slot handed over by releaseSlot, nil means retry
	slot *Request
}

func newWaiter(rq *Request) *waiter {
	return &waiter{ch: make(chan struct{}), rq: rq, idx: -1}
}

func (w *waiter) wake(err error) {
	if w.woken {
		panic("xprt: waiter woken twice")
	}
	w.woken = true
	w.err = err
	close(w.ch)
}

// sleep drops t.l until w is woken or ctx is done.
// If the wakeup wins the race against ctx, the wakeup's outcome is
// returned so that a granted resource is never lost.
// Otherwise dequeue removes w from the queue it is waiting on.
//
// callers must hold t.l
func (t *Transport) sleep(ctx context.Context, w *waiter, dequeue func(*waiter)) error {
	var ctxErr error
	t.l.DropWhile(func() {
		select {
		case <-w.ch:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
	})
	if w.woken {
		return w.err
	}
	dequeue(w)
	return ctxErr
}

// waitList is a FIFO of waiters.
type waitList struct {
	ws []*waiter
}

func (l *waitList) len() int { return len(l.ws) }

func (l *waitList) push(w *waiter) { l.ws = append(l.ws, w) }

func (l *waitList) pop() *waiter {
	if len(l.ws) == 0 {
		return nil
	}
	w := l.ws[0]
	l.ws[0] = nil
	l.ws = l.ws[1:]
	return w
}

func (l *waitList) remove(w *waiter) {
	for i := range l.ws {
		if l.ws[i] == w {
			l.ws = append(l.ws[:i], l.ws[i+1:]...)
			return
		}
	}
}

func (l *waitList) wakeOne(err error) bool {
	w := l.pop()
	if w == nil {
		return false
	}
	w.wake(err)
	return true
}

func (l *waitList) wakeAll(err error) int {
	n := 0
	for l.wakeOne(err) {
		n++
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
