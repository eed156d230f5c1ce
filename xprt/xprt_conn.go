package xprt

import (
	"context"
	"time"

	"github.com/google/uuid"
)

//go:generate enumer -type=State -trimprefix=State
type State uint

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// Connect establishes the connection if it is not up.
// Only one caller drives a connection attempt, the others wait for its outcome.
func (t *Transport) Connect(ctx context.Context) error {
	defer t.l.Lock().Unlock()
	return t.connect(ctx)
}

// callers must hold t.l
func (t *Transport) connect(ctx context.Context) error {
	for {
		if t.shutdown {
			return ErrShutdown
		}
		switch t.state {
		case StateConnected:
			return nil
		case StateDisconnected:
			return t.driveConnect(ctx)
		default:
			w := newWaiter(nil)
			t.connWaiters.push(w)
			if err := t.sleep(ctx, w, t.connWaiters.remove); err != nil {
				return err
			}
		}
	}
}

// driveConnect takes the transmit lock with reservation priority,
// honors the reconnect backoff and calls Wire.Connect with t.l dropped.
//
// callers must hold t.l
func (t *Transport) driveConnect(ctx context.Context) error {
	t.state = StateConnecting

	abort := func(err error) error {
		if t.state == StateConnecting {
			t.state = StateDisconnected
			t.unlockSend()
			t.connWaiters.wakeAll(nil)
			return err
		}
		// forced disconnect while connecting, cleanup takes over the lock
		t.unlockSend()
		return connectionReset(err)
	}

	if err := t.lockSend(ctx, nil); err != nil {
		if t.state == StateConnecting {
			t.state = StateDisconnected
			t.connWaiters.wakeAll(nil)
		}
		return err
	}

	if d := time.Until(t.reconnectAt); d > 0 {
		debug("%s: reconnect in %s", t.config.Name, d)
		// a forced disconnect or shutdown interrupts the backoff
		w := newWaiter(nil)
		t.connWaiters.push(w)
		dctx, cancel := context.WithTimeout(ctx, d)
		err := t.sleep(dctx, w, t.connWaiters.remove)
		cancel()
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if !w.woken {
			err = nil
		} else if err == nil {
			err = ErrConnectionReset
		}
		if err != nil || t.state != StateConnecting {
			return abort(err)
		}
	}

	var err error
	t.l.DropWhile(func() {
		err = t.wire.Connect(ctx, t)
	})
	if t.state != StateConnecting {
		if err == nil {
			err = ErrConnectionReset
		}
		return abort(err)
	}
	if err != nil {
		t.state = StateDisconnected
		delay := t.reconnect.Duration()
		t.reconnectAt = time.Now().Add(delay)
		t.stats.ConnectFailures++
		t.metrics.connectFailures.Inc()
		t.log.WithError(err).WithField("retry_in", delay).Warn("cannot connect")
		err = notConnected(err)
		t.unlockSend()
		t.connWaiters.wakeAll(err)
		return err
	}

	t.state = StateConnected
	t.connectGen++
	t.connID = uuid.New().String()
	t.reconnect.Reset()
	t.reconnectAt = time.Time{}
	t.stats.Connects++
	t.metrics.connects.Inc()
	t.lastUsed = time.Now()
	t.log.WithField("conn", t.connID).WithField("generation", t.connectGen).Info("connected")
	// queued writers are re-evaluated against the window
	t.unlockSend()
	t.connWaiters.wakeAll(nil)
	t.armIdle()
	return nil
}

// ForceDisconnect closes the connection and wakes every caller waiting
// on the transport with a transient error. Requests waiting for a reply
// stay registered and are retransmitted once their owners retry.
func (t *Transport) ForceDisconnect(reason error) {
	defer t.l.Lock().Unlock()
	t.log.WithError(reason).Info("forced disconnect")
	t.forceDisconnect(reason)
}

// Disconnected implements Handler.
func (t *Transport) Disconnected(err error) {
	defer t.l.Lock().Unlock()
	if t.state == StateClosing || t.state == StateDisconnected {
		return
	}
	t.log.WithError(err).Warn("connection lost")
	t.forceDisconnect(err)
}

// callers must hold t.l
func (t *Transport) forceDisconnect(reason error) {
	err := connectionReset(reason)
	nPending := t.pending.wakeAll(err)
	nSending := t.sending.wakeAll(err)
	t.connWaiters.wakeAll(err)
	debug("%s: force disconnect in state %s, woke %d pending, %d sending", t.config.Name, t.state, nPending, nSending)
	if t.closeConn() {
		t.stats.ForcedDisconnects++
		t.metrics.forcedDiscon.Inc()
	}
}

// closeConn starts the transition to Closing. The cleanup task runs
// once the transmit lock is free.
//
// callers must hold t.l
func (t *Transport) closeConn() bool {
	switch t.state {
	case StateConnecting, StateConnected:
	default:
		return false
	}
	t.state = StateClosing
	t.closeWait = true
	t.disarmIdle()
	t.lockNext()
	return true
}

// cleanup owns the transmit lock while it closes the wire.
func (t *Transport) cleanup() {
	debug("%s: cleanup", t.config.Name)
	err := t.wire.Close()
	defer t.l.Lock().Unlock()
	if err != nil {
		t.log.WithError(err).Warn("error closing connection")
	}
	t.log.WithField("conn", t.connID).Debug("disconnected")
	t.state = StateDisconnected
	t.connID = ""
	t.closeWait = false
	t.unlockSend()
	t.connWaiters.wakeAll(nil)
}

// callers must hold t.l
func (t *Transport) armIdle() {
	if t.config.IdleTimeout == 0 || t.state != StateConnected || t.shutdown {
		return
	}
	if t.pending.len() > 0 {
		return
	}
	t.scheduleIdle(t.config.IdleTimeout)
}

func (t *Transport) scheduleIdle(d time.Duration) {
	t.disarmIdle()
	gen := t.idleGen
	t.idleTimer = time.AfterFunc(d, func() {
		t.idleFire(gen)
	})
}

// callers must hold t.l
func (t *Transport) disarmIdle() {
	t.idleGen++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

func (t *Transport) idleFire(gen uint64) {
	defer t.l.Lock().Unlock()
	if gen != t.idleGen || t.state != StateConnected || t.shutdown {
		return
	}
	if t.pending.len() > 0 {
		return
	}
	if t.sendLocked {
		t.scheduleIdle(t.config.IdleTimeout)
		return
	}
	if idle := time.Since(t.lastUsed); idle < t.config.IdleTimeout {
		t.scheduleIdle(t.config.IdleTimeout - idle)
		return
	}
	t.log.WithField("idle_timeout", t.config.IdleTimeout).Debug("closing idle connection")
	t.stats.IdleDisconnects++
	t.closeConn()
}

// Shutdown makes the transport refuse new work, wakes all waiters with
// ErrShutdown and closes the connection. It returns once every reserved
// request has been released and the connection is down, or when ctx is done.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.l.Lock()
	if !t.shutdown {
		t.shutdown = true
		t.log.Info("shutting down")
		t.backlog.wakeAll(ErrShutdown)
		t.sending.wakeAll(ErrShutdown)
		t.connWaiters.wakeAll(ErrShutdown)
		t.pending.wakeAll(ErrShutdown)
		t.closeConn()
		t.disarmIdle()
		if t.reserved == 0 {
			t.markDrained()
		}
	}
	t.l.Unlock()

	select {
	case <-t.drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	defer t.l.Lock().Unlock()
	for t.state != StateDisconnected {
		w := newWaiter(nil)
		t.connWaiters.push(w)
		if err := t.sleep(ctx, w, t.connWaiters.remove); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
