package xprt

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Reserve obtains a request slot, blocking on the backlog queue while
// all MaxSlots slots are reserved.
// If constructing a new slot fails, Reserve retries after a short delay.
func (t *Transport) Reserve(ctx context.Context) (*Request, error) {
	defer t.l.Lock().Unlock()
	for {
		if t.shutdown {
			return nil, ErrShutdown
		}
		if n := len(t.free); n > 0 {
			rq := t.free[n-1]
			t.free[n-1] = nil
			t.free = t.free[:n-1]
			t.reserveSlot(rq)
			return rq, nil
		}
		if t.numSlots < t.config.MaxSlots {
			rq, err := t.allocSlot()
			if err == nil {
				t.reserveSlot(rq)
				return rq, nil
			}
			t.log.WithError(err).WithField("retry_in", reserveRetryDelay).Warn("cannot allocate request slot")
			var sleepErr error
			t.l.DropWhile(func() {
				sleepErr = sleepCtx(ctx, reserveRetryDelay)
			})
			if sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		t.stats.BacklogWaits++
		w := newWaiter(nil)
		t.backlog.push(w)
		if err := t.sleep(ctx, w, t.backlog.remove); err != nil {
			return nil, err
		}
		if w.slot != nil {
			// already reserved by releaseSlot
			return w.slot, nil
		}
	}
}

// allocSlot constructs a new slot. The live count is raised before
// the allocation hook runs so that concurrent callers cannot exceed
// MaxSlots while t.l is dropped.
//
// callers must hold t.l
func (t *Transport) allocSlot() (*Request, error) {
	t.numSlots++
	var err error
	if t.config.AllocSlot != nil {
		t.l.DropWhile(func() {
			err = t.config.AllocSlot()
		})
	}
	if err == nil && t.shutdown {
		err = ErrShutdown
	}
	if err != nil {
		t.numSlots--
		// a backlogged caller may have queued because of our transient count
		t.backlog.wakeOne(nil)
		return nil, errors.Wrap(err, "cannot construct request slot")
	}
	if t.numSlots > t.stats.MaxSlotsSeen {
		t.stats.MaxSlotsSeen = t.numSlots
	}
	return newRequest(t), nil
}

// callers must hold t.l
func (t *Transport) reserveSlot(rq *Request) {
	rq.init(time.Now())
	t.reserved++
}

// Release returns rq to the pool. rq must not be used afterwards.
func (t *Transport) Release(rq *Request) {
	defer t.l.Lock().Unlock()
	if !rq.reserved {
		panic("xprt: release of a request that is not reserved")
	}
	if t.sendOwner == rq && t.sendLocked {
		// the stream ends in the middle of rq's frame
		if t.state == StateConnected && rq.connectGen == t.connectGen {
			t.log.WithField("xid", rq.xid).WithField("sent", rq.bytesSent).
				Warn("request released with partially sent frame, disconnecting")
			t.forceDisconnect(errPartialFrame)
		}
		rq.bytesSent = 0
		rq.inProgress = false
		t.unlockSend()
	}
	wasRegistered := t.pending.unregister(rq)
	t.putCong(rq)
	t.releaseSlot(rq)
	if wasRegistered && t.pending.len() == 0 {
		t.armIdle()
	}
}

// releaseSlot hands rq directly to the oldest backlogged caller.
// Without one, the slot is destroyed while the pool is above MinSlots
// and kept on the free list otherwise.
//
// callers must hold t.l
func (t *Transport) releaseSlot(rq *Request) {
	rq.reset()
	t.reserved--
	if !t.shutdown {
		if w := t.backlog.pop(); w != nil {
			t.reserveSlot(rq)
			w.slot = rq
			w.wake(nil)
			return
		}
	}
	if t.numSlots > t.config.MinSlots {
		t.numSlots--
	} else {
		t.free = append(t.free, rq)
	}
	if t.shutdown && t.reserved == 0 {
		t.markDrained()
	}
}

// callers must hold t.l
func (t *Transport) markDrained() {
	select {
	case <-t.drained:
	default:
		close(t.drained)
	}
}
