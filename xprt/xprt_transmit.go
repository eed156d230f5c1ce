package xprt

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// PrepareTransmit checks whether rq still needs to be (re)transmitted.
// It returns ErrAlreadyComplete if the reply has landed, unless rq still
// has to finish a partially sent frame.
func (t *Transport) PrepareTransmit(rq *Request) error {
	defer t.l.Lock().Unlock()
	if !rq.reserved {
		return errNotReserved
	}
	if t.sendLocked && t.sendOwner == rq {
		return nil
	}
	if rq.Replied() {
		return ErrAlreadyComplete
	}
	if t.shutdown {
		return ErrShutdown
	}
	return nil
}

// Transmit connects if necessary, takes the transmit lock on behalf of rq
// and sends rq's frame, resuming after the bytes a previous call already
// sent on the same connection.
//
// Before the first transmission, a request that expects a reply is
// registered in the pending-reply table.
// A request whose reply already landed is not sent again. Neither is a
// request that was completely sent on the current connection of a
// reliable wire.
//
// If a temporary send error interrupts a frame after some of its bytes
// went out, rq keeps the transmit lock so that no other frame is
// interleaved with the remainder. The next Transmit of rq resumes the
// frame, or gives up the lock if the connection went away in between.
// Releasing rq while it holds the lock disconnects.
func (t *Transport) Transmit(ctx context.Context, rq *Request) error {
	defer t.l.Lock().Unlock()
	resume := false
	if t.sendLocked && t.sendOwner == rq {
		if t.state == StateConnected && rq.connectGen == t.connectGen {
			resume = true
		} else {
			rq.bytesSent = 0
			rq.inProgress = false
			t.unlockSend()
		}
	}
	for !resume {
		if err := t.connect(ctx); err != nil {
			return err
		}
		if rq.Replied() {
			return nil
		}
		if t.reliable && rq.transmits > 0 && !rq.inProgress && rq.connectGen == t.connectGen {
			debug("%s: xid %#08x: not resending on reliable connection", t.config.Name, rq.xid)
			return nil
		}
		if err := t.lockSend(ctx, rq); err != nil {
			if err == ErrAlreadyComplete {
				return nil
			}
			return err
		}
		if t.state == StateConnected {
			break
		}
		// the connection went away while we waited for the lock
		t.unlockSend()
	}
	keepLock := false
	defer func() {
		if !keepLock {
			t.unlockSend()
		}
	}()

	// the rest of a partial frame goes out even if the reply already landed
	if !resume && rq.Replied() {
		return nil
	}
	if rq.connectGen != t.connectGen {
		// a partial frame is lost with the old connection
		rq.bytesSent = 0
		rq.inProgress = false
		rq.connectGen = t.connectGen
	}
	if rq.expectReply && !rq.registered {
		t.pending.register(rq)
		t.disarmIdle()
	}
	t.pending.clearErr(rq)
	if !rq.inProgress {
		rq.inProgress = true
		rq.bytesSent = 0
		rq.transmits++
		rq.sentAt = time.Now()
	}
	if rq.frame == nil {
		rq.frame = framePool.Get()
		rq.frame.B = t.wire.AppendFrame(rq.frame.B[:0], rq.xid, rq.payload)
	}
	t.lastUsed = time.Now()

	gen := t.connectGen
	frame := rq.frame.B
	sent := rq.bytesSent
	var err error
	t.l.DropWhile(func() {
		for sent < len(frame) && err == nil {
			var n int
			n, err = t.wire.Send(frame[sent:])
			sent += n
		}
	})
	rq.bytesSent = sent

	if err != nil {
		if isTemporary(err) {
			debug("%s: xid %#08x: temporary send error after %d/%d bytes: %s", t.config.Name, rq.xid, sent, len(frame), err)
			keepLock = sent > 0 && t.connectGen == gen && t.state == StateConnected
			return sendAgain(err)
		}
		if t.connectGen == gen && t.state == StateConnected {
			t.log.WithError(err).WithField("xid", rq.xid).Warn("send failed, disconnecting")
			t.forceDisconnect(err)
		}
		return connectionReset(err)
	}

	rq.bytesSent = 0
	rq.inProgress = false
	t.stats.Sends++
	t.metrics.sends.Inc()
	if rq.transmits > 1 {
		t.stats.Retransmits++
		t.metrics.retransmits.Inc()
	}
	t.stats.SendingQueueSum += uint64(t.sending.len())
	t.stats.PendingQueueSum += uint64(t.pending.len())
	t.stats.BacklogQueueSum += uint64(t.backlog.len())
	return nil
}

func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Temporary()
}
