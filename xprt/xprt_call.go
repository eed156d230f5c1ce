package xprt

import (
	"context"
	"time"
)

type CallOption func(rq *Request)

// WithTimerClass selects the RTT estimator class of the call.
func WithTimerClass(c int) CallOption {
	return func(rq *Request) { rq.SetTimerClass(c) }
}

// WithReplyBuffer lets the reply be copied into b if it fits.
func WithReplyBuffer(b []byte) CallOption {
	return func(rq *Request) { rq.SetReplyBuffer(b) }
}

// NoReply makes the call return once the payload is sent.
func NoReply() CallOption {
	return func(rq *Request) { rq.SetNoReply() }
}

// Call sends payload and waits for the reply.
// Minor timeouts lead to retransmission, transient errors (forced
// disconnect, failed connect, interrupted send) are retried until
// the request's major timeout expires, which is reported as ErrTimedOut.
// The returned slice is owned by the caller.
func (t *Transport) Call(ctx context.Context, payload []byte, opts ...CallOption) ([]byte, error) {
	rq, err := t.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Release(rq)
	rq.SetPayload(payload)
	for _, o := range opts {
		o(rq)
	}

	for {
		switch err := t.PrepareTransmit(rq); {
		case err == ErrAlreadyComplete:
			return rq.Reply(), nil
		case err != nil:
			return nil, err
		}

		err := t.transmitUntilMajor(ctx, rq)
		if err == nil {
			if !rq.expectReply {
				return nil, nil
			}
			t.SetRetransTimeout(rq)
			err = t.WaitReply(ctx, rq)
			if err == nil {
				return rq.Reply(), nil
			}
		}

		switch {
		case err == ErrMinorTimeout:
			debug("%s: xid %#08x: minor timeout, retries=%d", t.config.Name, rq.xid, rq.retries)
			continue
		case !IsTransient(err):
			return nil, err
		case !time.Now().Before(rq.majorDeadline):
			return nil, ErrTimedOut
		}
		t.log.WithError(err).WithField("xid", rq.xid).Debug("retrying after transient error")
		if err := sleepCtx(ctx, transientRetryDelay); err != nil {
			return nil, err
		}
	}
}

// transmitUntilMajor bounds Transmit by the request's major deadline.
func (t *Transport) transmitUntilMajor(ctx context.Context, rq *Request) error {
	tctx, cancel := context.WithDeadline(ctx, rq.majorDeadline)
	defer cancel()
	err := t.Transmit(tctx, rq)
	if err != nil && ctx.Err() == nil && tctx.Err() == context.DeadlineExceeded {
		return ErrTimedOut
	}
	return err
}
