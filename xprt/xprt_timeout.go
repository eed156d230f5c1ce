package xprt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// fallbackTimeout replaces a computed minor timeout of zero.
const fallbackTimeout = 5 * time.Second

// calcMajorTimeout returns the time from reservation until a request
// whose minor timeout grows per the policy exhausts its retries.
func (t *Transport) calcMajorTimeout(rq *Request) time.Duration {
	to := t.config.Timeout
	major := to.Initial
	if to.Exponential {
		if to.Retries < 63 && major <= to.Max>>uint(to.Retries) {
			major <<= uint(to.Retries)
		} else {
			major = to.Max
		}
	} else {
		major += to.Increment * time.Duration(to.Retries)
	}
	if major > to.Max || major <= 0 {
		major = to.Max
	}
	return major
}

// SetRetransTimeout computes the minor timeout that WaitReply waits
// for the reply to the transmission that just happened.
// With UseRTT and a timer class, it is the class's RTO shifted by its
// backoff and the request's retry count, otherwise the request's
// current fixed-policy timeout.
func (t *Transport) SetRetransTimeout(rq *Request) time.Duration {
	to := t.config.Timeout
	var d time.Duration
	if to.UseRTT && rq.timerClass > 0 {
		d = t.rtt.RTO(rq.timerClass)
		shift := t.rtt.Backoff(rq.timerClass) + rq.retries
		for i := 0; i < shift && d > 0 && d < to.Max; i++ {
			d <<= 1
		}
		if d > to.Max {
			d = to.Max
		}
	} else {
		d = rq.timeout
	}
	if d <= 0 {
		t.log.WithField("xid", rq.xid).WithField("retries", rq.retries).
			Error("computed retransmit timeout is zero, using fallback")
		d = to.Max
		if d <= 0 {
			d = fallbackTimeout
		}
	}
	rq.waitTimeout = d
	return d
}

// AdjustTimeout is called after a minor timeout of rq. While the major
// deadline has not passed, it grows the minor timeout, counts the retry
// and returns nil. Afterwards, it resets the request's timeouts (and
// optionally the RTT estimate of its timer class) and returns ErrTimedOut.
func (t *Transport) AdjustTimeout(rq *Request) error {
	to := t.config.Timeout
	now := time.Now()
	if now.Before(rq.majorDeadline) {
		if to.Exponential {
			rq.timeout <<= 1
		} else {
			rq.timeout += to.Increment
		}
		if to.Max > 0 && (rq.timeout >= to.Max || rq.timeout <= 0) {
			rq.timeout = to.Max
		}
		rq.retries++
		if rq.timeout == 0 {
			t.log.WithField("xid", rq.xid).Error("request timeout is zero, using fallback")
			rq.timeout = fallbackTimeout
		}
		return nil
	}

	rq.timeout = to.Initial
	rq.retries = 0
	rq.majorDeadline = now.Add(t.calcMajorTimeout(rq))
	if t.config.ResetRTTOnMajorTimeout {
		t.rtt.Reset(rq.timerClass)
	}
	t.l.HoldWhile(func() {
		t.stats.MajorTimeouts++
	})
	t.metrics.majorTimeouts.Inc()
	t.log.WithField("xid", rq.xid).WithField("timer", rq.timerClass).Debug("major timeout")
	return ErrTimedOut
}

// onTimerFire handles the expiry of rq's minor timeout. If the reply won
// the race it returns nil, otherwise the window shrinks and the
// request is set up for retransmission or failed.
func (t *Transport) onTimerFire(rq *Request) error {
	if rq.Replied() {
		return nil
	}
	t.l.Lock()
	if rq.Replied() {
		t.l.Unlock()
		t.pending.takeErr(rq)
		return nil
	}
	t.stats.MinorTimeouts++
	t.metrics.minorTimeouts.Inc()
	t.congResult(rq, true)
	t.l.Unlock()

	if err := t.AdjustTimeout(rq); err != nil {
		return err
	}
	return ErrMinorTimeout
}

var timerPool = sync.Pool{
	New: func() interface{} {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	},
}

func acquireTimer(d time.Duration) *time.Timer {
	t := timerPool.Get().(*time.Timer)
	t.Reset(d)
	return t
}

func releaseTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}

// WaitReply blocks until rq's reply landed, its minor timeout expired
// or a forced wakeup happened.
// It returns nil on reply, ErrMinorTimeout if rq should be retransmitted,
// ErrTimedOut if the major timeout expired, and the wakeup's status otherwise.
func (t *Transport) WaitReply(ctx context.Context, rq *Request) error {
	if !rq.expectReply || rq.Replied() {
		return nil
	}
	if rq.waitTimeout <= 0 {
		t.SetRetransTimeout(rq)
	}
	timer := acquireTimer(rq.waitTimeout)
	defer releaseTimer(timer)
	for {
		select {
		case <-rq.doorbell:
			if atomic.LoadUint32(&rq.replied) != 0 {
				return nil
			}
			if err := t.pending.takeErr(rq); err != nil {
				return err
			}
		case <-timer.C:
			return t.onTimerFire(rq)
		case <-ctx.Done():
			if rq.Replied() {
				return nil
			}
			return ctx.Err()
		}
	}
}
