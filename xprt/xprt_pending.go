package xprt

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingTable holds the requests that wait for a reply.
// It is bounded by the number of slots, so lookups scan linearly.
//
// Lock order: Transport.l before mtx.
type pendingTable struct {
	mtx  sync.Mutex
	reqs []*Request
}

func (p *pendingTable) len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.reqs)
}

func (p *pendingTable) register(rq *Request) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if rq.registered {
		return
	}
	rq.registered = true
	p.reqs = append(p.reqs, rq)
}

func (p *pendingTable) unregister(rq *Request) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.unregisterLocked(rq)
}

func (p *pendingTable) unregisterLocked(rq *Request) bool {
	if !rq.registered {
		return false
	}
	for i := range p.reqs {
		if p.reqs[i] == rq {
			last := len(p.reqs) - 1
			p.reqs[i] = p.reqs[last]
			p.reqs[last] = nil
			p.reqs = p.reqs[:last]
			break
		}
	}
	rq.registered = false
	return true
}

func (p *pendingTable) match(xid uint32) *Request {
	for _, rq := range p.reqs {
		if rq.xid == xid {
			return rq
		}
	}
	return nil
}

// complete copies reply into the request matching xid, publishes the
// reply length after the contents, unregisters the request and wakes
// its owner. It returns nil if no request matches.
func (p *pendingTable) complete(xid uint32, reply []byte) *Request {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	rq := p.match(xid)
	if rq == nil {
		return nil
	}
	rq.reply = append(rq.reply[:0], reply...)
	rq.replyLen = len(reply)
	atomic.StoreUint32(&rq.replied, 1)
	p.unregisterLocked(rq)
	ring(rq)
	return rq
}

// wakeAll makes every waiting owner return err from WaitReply.
// The requests stay registered so that a late reply still matches.
func (p *pendingTable) wakeAll(err error) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, rq := range p.reqs {
		rq.pendErr = err
		ring(rq)
	}
	return len(p.reqs)
}

// takeErr returns and clears the status a forced wakeup left on rq.
func (p *pendingTable) takeErr(rq *Request) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	err := rq.pendErr
	rq.pendErr = nil
	return err
}

// clearErr discards stale wakeups before rq is sent again.
func (p *pendingTable) clearErr(rq *Request) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	rq.pendErr = nil
	if atomic.LoadUint32(&rq.replied) == 0 {
		select {
		case <-rq.doorbell:
		default:
		}
	}
}

func ring(rq *Request) {
	select {
	case rq.doorbell <- struct{}{}:
	default:
	}
}

// Receive implements Handler. It completes the request waiting for xid
// and feeds the RTT estimator and the congestion window.
// Replies for unknown transaction ids are counted and dropped.
func (t *Transport) Receive(xid uint32, reply []byte) bool {
	// t.l keeps the owner from releasing the request under us
	defer t.l.Lock().Unlock()
	rq := t.pending.complete(xid, reply)
	if rq == nil {
		t.stats.BadXIDs++
		t.metrics.badXIDs.Inc()
		debug("%s: reply for unknown xid %#08x (%d bytes)", t.config.Name, xid, len(reply))
		return false
	}
	if t.sending.wakeRequest(rq, ErrAlreadyComplete) {
		debug("%s: xid %#08x: reply landed while waiting for the transmit lock", t.config.Name, xid)
	}
	t.stats.Replies++
	t.metrics.roundTrip.Observe(time.Since(rq.sentAt).Seconds())
	if rq.timerClass > 0 {
		// a reply to a retransmission is ambiguous
		if rq.transmits == 1 {
			t.rtt.Update(rq.timerClass, time.Since(rq.sentAt))
		}
		t.rtt.SetBackoff(rq.timerClass, rq.transmits-1)
	}
	t.congResult(rq, false)
	if t.pending.len() == 0 {
		t.armIdle()
	}
	return true
}
