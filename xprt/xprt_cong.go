package xprt

// The congestion window is kept in fixed point, one request is congScale.
const (
	congShift = 8
	congScale = 1 << congShift
)

func (t *Transport) maxCwnd() uint64 {
	return uint64(t.config.MaxSlots) << congShift
}

// tryAdmit reports whether rq may take the transmit lock now.
// A request that was never transmitted is always admitted so that
// first attempts make progress, but it is charged if the window has room.
// A request already charged is not charged again.
//
// callers must hold t.l
func (t *Transport) tryAdmit(rq *Request) bool {
	if rq == nil || rq.congCharged {
		return true
	}
	if t.cong < t.cwnd {
		rq.congCharged = true
		t.cong += congScale
		return true
	}
	return rq.transmits == 0
}

// putCong returns rq's congestion unit and lets a queued writer
// that was gated on the window try again.
//
// callers must hold t.l
func (t *Transport) putCong(rq *Request) {
	if !rq.congCharged {
		return
	}
	rq.congCharged = false
	t.cong -= congScale
	t.lockNext()
}

// congResult adjusts the window after rq got a reply or timed out:
// additive increase when the window was fully used, halving on timeout.
//
// callers must hold t.l
func (t *Transport) congResult(rq *Request, timedOut bool) {
	cwnd := t.cwnd
	switch {
	case !timedOut && cwnd <= t.cong:
		cwnd += (congScale*congScale + cwnd>>1) / cwnd
		if max := t.maxCwnd(); cwnd > max {
			cwnd = max
		}
	case timedOut:
		cwnd >>= 1
		if cwnd < congScale {
			cwnd = congScale
		}
	}
	if cwnd != t.cwnd {
		t.metrics.cwnd.Set(float64(cwnd) / congScale)
		debug("%s: cwnd %d -> %d cong=%d timeout=%v", t.config.Name, t.cwnd, cwnd, t.cong, timedOut)
	}
	grew := cwnd > t.cwnd
	t.cwnd = cwnd
	if rq.congCharged {
		t.putCong(rq)
	} else if grew {
		t.lockNext()
	}
}
