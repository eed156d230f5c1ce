package xprt

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestCallRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{echo: true}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	reply, err := tr.Call(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), reply)

	s := tr.Stats()
	assert.Equal(t, uint64(1), s.Sends)
	assert.Equal(t, uint64(1), s.Replies)
	assert.Equal(t, uint64(2*congScale), s.Cwnd, "one growth step from the initial window")
	assert.Equal(t, uint64(0), s.Cong)
	assert.Equal(t, 0, s.Reserved)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, uint64(1), s.ConnectGeneration)

	// the slot is reusable
	reply, err = tr.Call(ctx, []byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply)
	s = tr.Stats()
	assert.Equal(t, 2, s.Slots)
	assert.Equal(t, 2, s.FreeSlots)
	assert.Equal(t, uint64(2), s.Replies)
	assert.Equal(t, uint64(0), s.BadXIDs)
}

func TestCallOptions(t *testing.T) {
	ctx := context.Background()

	t.Run("reply buffer", func(t *testing.T) {
		tr := New(testConfig(), &mockWire{echo: true})
		defer shutdown(t, tr)
		buf := make([]byte, 0, 64)
		reply, err := tr.Call(ctx, []byte("into buffer"), WithReplyBuffer(buf))
		require.NoError(t, err)
		assert.Equal(t, "into buffer", string(reply))
		assert.True(t, &buf[:1][0] == &reply[0], "reply must be copied into the supplied buffer")
	})

	t.Run("no reply", func(t *testing.T) {
		w := &mockWire{}
		tr := New(testConfig(), w)
		defer shutdown(t, tr)
		reply, err := tr.Call(ctx, []byte("fire and forget"), NoReply())
		require.NoError(t, err)
		assert.Nil(t, reply)
		assert.Len(t, w.sentFrames(), 1)
		assert.Equal(t, 0, tr.Stats().Pending)
	})

	t.Run("invalid timer class", func(t *testing.T) {
		tr := New(testConfig(), &mockWire{})
		defer shutdown(t, tr)
		assert.Panics(t, func() {
			_, _ = tr.Call(ctx, nil, WithTimerClass(23))
		})
	})
}

func TestConcurrentCallsHaveOneWriter(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{echo: true}
	c := testConfig()
	c.MaxSlots = 4
	tr := New(c, w)
	defer shutdown(t, tr)

	const N = 50
	var eg errgroup.Group
	for i := 0; i < N; i++ {
		i := i
		eg.Go(func() error {
			payload := fmt.Sprintf("call-%d", i)
			reply, err := tr.Call(context.Background(), []byte(payload))
			if err != nil {
				return err
			}
			if string(reply) != payload {
				return errors.Errorf("got reply %q for %q", reply, payload)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, int32(1), atomic.LoadInt32(&w.maxInSend))
	s := tr.Stats()
	assert.Equal(t, uint64(N), s.Sends)
	assert.Equal(t, uint64(N), s.Replies)
	assert.LessOrEqual(t, s.MaxSlotsSeen, 4)
	assert.LessOrEqual(t, s.Cwnd, uint64(4*congScale))
	assert.Equal(t, 2, s.Slots, "pool shrinks back to the minimum")
	assert.Equal(t, 2, s.FreeSlots)
	assert.Equal(t, uint64(0), s.Cong)
}

func TestConcurrentCallsOverLossyWire(t *testing.T) {
	defer goleak.VerifyNone(t)
	defer func(d time.Duration) { transientRetryDelay = d }(transientRetryDelay)
	transientRetryDelay = time.Millisecond

	var n int
	w := &mockWire{}
	w.sendHook = func(w *mockWire, frame []byte) (int, error) {
		w.record(frame)
		w.mtx.Lock()
		n++
		drop := n%4 == 0
		w.mtx.Unlock()
		if !drop {
			xid, payload := splitFrame(frame)
			w.handler().Receive(xid, payload)
		}
		return len(frame), nil
	}
	c := testConfig()
	c.MaxSlots = 6
	// minor timeouts stay short, the major timeout is far beyond the
	// worst-case queueing behind a window of one
	c.Timeout = TimeoutPolicy{Initial: 5 * time.Millisecond, Max: 30 * time.Second, Retries: 20, Exponential: true}
	tr := New(c, w)
	defer shutdown(t, tr)

	const callers, calls = 10, 10
	var eg errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		eg.Go(func() error {
			for j := 0; j < calls; j++ {
				payload := fmt.Sprintf("%d/%d", i, j)
				reply, err := tr.Call(context.Background(), []byte(payload))
				if err != nil {
					return errors.Wrap(err, payload)
				}
				if string(reply) != payload {
					return errors.Errorf("got reply %q for %q", reply, payload)
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	s := tr.Stats()
	assert.Equal(t, uint64(callers*calls), s.Replies)
	assert.Zero(t, s.MajorTimeouts)
	assert.NotZero(t, s.Retransmits)
	assert.LessOrEqual(t, s.Cwnd, uint64(6*congScale))
	assert.GreaterOrEqual(t, s.Cwnd, uint64(congScale))
	assert.Equal(t, uint64(0), s.Cong)
	assert.Equal(t, 0, s.Reserved)
	assert.Equal(t, 0, s.Pending)
}

func TestReplyAfterMinorTimeoutSuppressesRetransmit(t *testing.T) {
	w := &mockWire{}
	c := testConfig()
	c.Timeout.Initial = 20 * time.Millisecond
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(rq)
	rq.SetPayload([]byte("req"))

	require.NoError(t, tr.PrepareTransmit(rq))
	require.NoError(t, tr.Transmit(ctx, rq))
	assert.Equal(t, 20*time.Millisecond, tr.SetRetransTimeout(rq))
	assert.Equal(t, ErrMinorTimeout, tr.WaitReply(ctx, rq))
	assert.Equal(t, 1, rq.Retries())

	s := tr.Stats()
	assert.Equal(t, uint64(congScale), s.Cwnd)
	assert.Equal(t, uint64(0), s.Cong)
	assert.Equal(t, uint64(1), s.MinorTimeouts)

	require.True(t, tr.Receive(rq.XID(), []byte("reply")))
	assert.Equal(t, ErrAlreadyComplete, tr.PrepareTransmit(rq))
	require.NoError(t, tr.Transmit(ctx, rq))
	assert.Len(t, w.sentFrames(), 1)
	assert.Equal(t, []byte("reply"), rq.Reply())
	assert.Equal(t, 5, rq.ReplyLen())

	assert.False(t, tr.Receive(rq.XID(), []byte("reply")), "completion is idempotent")
	s = tr.Stats()
	assert.Equal(t, uint64(1), s.Replies)
	assert.Equal(t, uint64(1), s.BadXIDs)
	assert.Equal(t, uint64(1), s.Sends)
}

func TestFirstTransmissionIsExemptFromWindow(t *testing.T) {
	w := &mockWire{}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	a, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(a)
	a.SetPayload([]byte("a"))
	require.NoError(t, tr.Transmit(ctx, a))
	s := tr.Stats()
	require.Equal(t, s.Cwnd, s.Cong, "window is full")

	b, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(b)
	b.SetPayload([]byte("b"))
	require.NoError(t, tr.Transmit(ctx, b), "never sent before: admitted although cong == cwnd")
	assert.Len(t, w.sentFrames(), 2)
	assert.Equal(t, uint64(congScale), tr.Stats().Cong, "admitted without a charge")

	// b is no longer a first attempt and must wait for the window
	done := make(chan error, 1)
	go func() {
		done <- tr.Transmit(ctx, b)
	}()
	waitFor(t, tr, func() bool { return tr.sending.len() == 1 })
	assert.Len(t, w.sentFrames(), 2)

	require.True(t, tr.Receive(a.XID(), []byte("a")))
	require.NoError(t, <-done)
	assert.Len(t, w.sentFrames(), 3)
	assert.Equal(t, 2, b.Transmissions())
	s = tr.Stats()
	assert.Equal(t, uint64(2*congScale), s.Cwnd)
	assert.Equal(t, uint64(congScale), s.Cong)
	assert.Equal(t, uint64(1), s.Retransmits)
}

func TestForcedDisconnectWakesAllWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	var inflight, queued []*Request
	for i := 0; i < 5; i++ {
		rq, err := tr.Reserve(ctx)
		require.NoError(t, err)
		rq.SetPayload([]byte{byte(i)})
		require.NoError(t, tr.Transmit(ctx, rq))
		inflight = append(inflight, rq)
	}
	for i := 0; i < 3; i++ {
		rq, err := tr.Reserve(ctx)
		require.NoError(t, err)
		rq.SetPayload([]byte{byte(i)})
		queued = append(queued, rq)
	}
	require.Equal(t, 5, tr.Stats().Pending)

	holder, err := tr.LockSend(ctx, nil)
	require.NoError(t, err)

	errs := make(chan error, 8)
	for _, rq := range inflight {
		go func(rq *Request) { errs <- tr.WaitReply(ctx, rq) }(rq)
	}
	for _, rq := range queued {
		go func(rq *Request) { errs <- tr.Transmit(ctx, rq) }(rq)
	}
	waitFor(t, tr, func() bool { return tr.sending.len() == 3 })

	tr.ForceDisconnect(errors.New("administratively closed"))
	for i := 0; i < 8; i++ {
		err := <-errs
		assert.True(t, IsTransient(err), "%v", err)
		assert.True(t, errors.Is(err, ErrConnectionReset), "%v", err)
	}

	// cleanup waits for the lock holder
	assert.Equal(t, StateClosing, tr.State())
	holder.Unlock()
	waitFor(t, tr, func() bool { return tr.state == StateDisconnected })

	for _, rq := range append(inflight, queued...) {
		tr.Release(rq)
	}
	s := tr.Stats()
	assert.Equal(t, 0, s.Reserved)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, uint64(0), s.Cong)
	assert.Equal(t, uint64(1), s.ForcedDisconnects)
	_, closes := w.stats()
	assert.Equal(t, 1, closes)
}

func TestConcurrentConnectDrivesOneAttempt(t *testing.T) {
	gate := make(chan struct{})
	w := &mockWire{connectGate: gate}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		eg.Go(func() error {
			return tr.Connect(context.Background())
		})
	}
	waitFor(t, tr, func() bool { return tr.connWaiters.len() == 9 })
	assert.Equal(t, StateConnecting, tr.state)
	close(gate)
	require.NoError(t, eg.Wait())

	connects, _ := w.stats()
	assert.Equal(t, 1, connects)
	assert.Equal(t, uint64(1), tr.ConnectGeneration())
	assert.Equal(t, StateConnected, tr.State())
}

func TestConnectFailureBacksOff(t *testing.T) {
	w := &mockWire{connectErrs: []error{errors.New("connection refused")}}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	err := tr.Connect(ctx)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateDisconnected, tr.State())
	tr.l.HoldWhile(func() {
		assert.False(t, tr.reconnectAt.IsZero())
	})

	require.NoError(t, tr.Connect(ctx))
	tr.l.HoldWhile(func() {
		assert.True(t, tr.reconnectAt.IsZero())
	})
	s := tr.Stats()
	assert.Equal(t, uint64(1), s.ConnectFailures)
	assert.Equal(t, uint64(1), s.Connects)
	assert.Equal(t, uint64(1), s.ConnectGeneration)
}

func TestCallRetriesFailedConnect(t *testing.T) {
	defer func(d time.Duration) { transientRetryDelay = d }(transientRetryDelay)
	transientRetryDelay = time.Millisecond

	w := &mockWire{echo: true, connectErrs: []error{errors.New("no route to host"), errors.New("no route to host")}}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)

	reply, err := tr.Call(context.Background(), []byte("eventually"))
	require.NoError(t, err)
	assert.Equal(t, "eventually", string(reply))
	connects, _ := w.stats()
	assert.Equal(t, 3, connects)
	assert.Equal(t, uint64(2), tr.Stats().ConnectFailures)
}

func TestSendErrorForcesDisconnect(t *testing.T) {
	defer func(d time.Duration) { transientRetryDelay = d }(transientRetryDelay)
	transientRetryDelay = time.Millisecond

	var calls int
	w := &mockWire{}
	w.sendHook = func(w *mockWire, frame []byte) (int, error) {
		calls++
		if calls == 1 {
			return 0, io.ErrClosedPipe
		}
		w.record(frame)
		xid, payload := splitFrame(frame)
		w.handler().Receive(xid, payload)
		return len(frame), nil
	}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)

	reply, err := tr.Call(context.Background(), []byte("after reconnect"))
	require.NoError(t, err)
	assert.Equal(t, "after reconnect", string(reply))
	s := tr.Stats()
	assert.Equal(t, uint64(2), s.ConnectGeneration)
	assert.Equal(t, uint64(1), s.ForcedDisconnects)
	_, closes := w.stats()
	assert.Equal(t, 1, closes)
}

func TestPartialSendResumes(t *testing.T) {
	var calls int
	w := &mockWire{}
	w.sendHook = func(w *mockWire, frame []byte) (int, error) {
		calls++
		w.record(frame)
		if calls == 1 {
			return 3, tempError{}
		}
		return len(frame), nil
	}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(rq)
	payload := []byte("hello world")
	rq.SetPayload(payload)

	err = tr.Transmit(ctx, rq)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, StateConnected, tr.State(), "a temporary error keeps the connection")
	assert.True(t, func() bool {
		defer tr.l.Lock().Unlock()
		return tr.sendLocked && tr.sendOwner == rq
	}(), "the incomplete frame's request keeps the transmit lock")

	require.NoError(t, tr.Transmit(ctx, rq))
	frames := w.sentFrames()
	require.Len(t, frames, 2)
	whole := w.AppendFrame(nil, rq.XID(), payload)
	assert.Equal(t, whole, frames[0])
	assert.Equal(t, whole[3:], frames[1])
	assert.Equal(t, 1, rq.Transmissions())
	s := tr.Stats()
	assert.Equal(t, uint64(1), s.Sends)
	assert.Equal(t, uint64(0), s.Retransmits)
}

// partialThenWhole returns a send hook that sends only 3 bytes of the first
// frame before a temporary error, and everything afterwards.
func partialThenWhole() func(w *mockWire, frame []byte) (int, error) {
	var calls int
	return func(w *mockWire, frame []byte) (int, error) {
		calls++
		if calls == 1 {
			w.record(frame[:3])
			return 3, tempError{}
		}
		w.record(frame)
		return len(frame), nil
	}
}

func TestPartialSendHoldsTransmitLock(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{}
	w.sendHook = partialThenWhole()
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	a, err := tr.Reserve(ctx)
	require.NoError(t, err)
	b, err := tr.Reserve(ctx)
	require.NoError(t, err)
	a.SetPayload([]byte("the first request"))
	b.SetPayload([]byte("second"))

	err = tr.Transmit(ctx, a)
	require.True(t, IsTransient(err), "%v", err)

	done := make(chan error, 1)
	go func() { done <- tr.Transmit(ctx, b) }()
	waitFor(t, tr, func() bool { return tr.sending.len() == 1 })
	require.Len(t, w.sentFrames(), 1, "no frame may start while another one is incomplete")

	require.NoError(t, tr.Transmit(ctx, a))
	require.NoError(t, <-done)

	var stream []byte
	for _, f := range w.sentFrames() {
		stream = append(stream, f...)
	}
	want := w.AppendFrame(nil, a.XID(), []byte("the first request"))
	want = w.AppendFrame(want, b.XID(), []byte("second"))
	assert.Equal(t, want, stream)
	assert.Equal(t, 1, a.Transmissions())
	assert.Equal(t, StateConnected, tr.State())

	tr.Release(a)
	tr.Release(b)
}

func TestReplyWakesRequestWaitingForTransmitLock(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{}
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(rq)
	rq.SetPayload([]byte("slow"))
	require.NoError(t, tr.Transmit(ctx, rq))

	g, err := tr.LockSend(ctx, nil)
	require.NoError(t, err)
	defer g.Unlock()

	done := make(chan error, 1)
	go func() { done <- tr.Transmit(ctx, rq) }()
	waitFor(t, tr, func() bool { return tr.sending.len() == 1 })

	require.True(t, tr.Receive(rq.XID(), []byte("late reply")))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retransmission still waits for the transmit lock after its reply landed")
	}
	assert.Equal(t, "late reply", string(rq.Reply()))
	assert.Len(t, w.sentFrames(), 1)
	assert.Equal(t, 0, tr.Stats().Pending)
}

func TestPartialSendAcrossReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{}
	w.sendHook = partialThenWhole()
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(rq)
	payload := []byte("hello world")
	rq.SetPayload(payload)

	require.True(t, IsTransient(tr.Transmit(ctx, rq)))
	tr.ForceDisconnect(errors.New("peer reset"))
	assert.Equal(t, StateClosing, tr.State(), "closing waits for the incomplete frame's owner")

	require.NoError(t, tr.Transmit(ctx, rq))
	frames := w.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, w.AppendFrame(nil, rq.XID(), payload), frames[1], "the frame starts over on the new connection")
	assert.Equal(t, uint64(2), tr.ConnectGeneration())
	assert.Equal(t, 2, rq.Transmissions())
}

func TestReleaseDuringPartialSendDisconnects(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{}
	w.sendHook = partialThenWhole()
	tr := New(testConfig(), w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	rq.SetPayload([]byte("abandoned"))
	require.True(t, IsTransient(tr.Transmit(ctx, rq)))

	tr.Release(rq)
	waitFor(t, tr, func() bool { return tr.state == StateDisconnected })
	assert.Equal(t, uint64(1), tr.Stats().ForcedDisconnects)
	_, closes := w.stats()
	assert.Equal(t, 1, closes)

	g, err := tr.LockSend(ctx, nil)
	require.NoError(t, err, "the transmit lock is free again")
	g.Unlock()
}

func TestRetransmitAfterMinorTimeout(t *testing.T) {
	w := &mockWire{}
	w.sendHook = func(w *mockWire, frame []byte) (int, error) {
		w.record(frame)
		if len(w.sentFrames()) == 2 {
			xid, payload := splitFrame(frame)
			w.handler().Receive(xid, payload)
		}
		return len(frame), nil
	}
	c := testConfig()
	c.Timeout.Initial = 10 * time.Millisecond
	tr := New(c, w)
	defer shutdown(t, tr)

	reply, err := tr.Call(context.Background(), []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(reply))
	frames := w.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0], frames[1])
	s := tr.Stats()
	assert.Equal(t, uint64(1), s.Retransmits)
	assert.Equal(t, uint64(1), s.MinorTimeouts)
	assert.Equal(t, uint64(1), s.Replies)
}

func TestReliableWireSuppressesRetransmit(t *testing.T) {
	w := &mockWire{reliable: true}
	c := testConfig()
	c.Timeout.Initial = 10 * time.Millisecond
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(rq)
	rq.SetPayload([]byte("once"))

	require.NoError(t, tr.Transmit(ctx, rq))
	tr.SetRetransTimeout(rq)
	require.Equal(t, ErrMinorTimeout, tr.WaitReply(ctx, rq))
	require.NoError(t, tr.Transmit(ctx, rq))
	assert.Len(t, w.sentFrames(), 1, "same connection, the stream has the bytes")

	tr.ForceDisconnect(errors.New("reset by peer"))
	require.NoError(t, tr.Transmit(ctx, rq))
	assert.Len(t, w.sentFrames(), 2, "new connection, the request is resent")
	assert.Equal(t, 2, rq.Transmissions())
	assert.Equal(t, uint64(2), tr.ConnectGeneration())
}

func TestReplyRacesTimer(t *testing.T) {
	w := &mockWire{reliable: true}
	c := testConfig()
	c.Timeout = TimeoutPolicy{Initial: time.Millisecond, Max: time.Second, Retries: 5, Exponential: true}
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	const N = 100
	for i := 0; i < N; i++ {
		rq, err := tr.Reserve(ctx)
		require.NoError(t, err)
		rq.SetPayload([]byte("race"))
		require.NoError(t, tr.Transmit(ctx, rq))
		tr.SetRetransTimeout(rq)

		var wg sync.WaitGroup
		var delivered bool
		wg.Add(1)
		go func(d time.Duration) {
			defer wg.Done()
			time.Sleep(d)
			delivered = tr.Receive(rq.XID(), []byte("r"))
		}(time.Duration(i%4) * 400 * time.Microsecond)
		err = tr.WaitReply(ctx, rq)
		wg.Wait()

		require.True(t, delivered)
		if err != nil {
			require.Equal(t, ErrMinorTimeout, err)
		}
		require.True(t, rq.Replied())
		assert.Equal(t, ErrAlreadyComplete, tr.PrepareTransmit(rq))
		assert.False(t, tr.Receive(rq.XID(), []byte("r")))
		tr.Release(rq)
	}
	s := tr.Stats()
	assert.Equal(t, uint64(N), s.Replies)
	assert.Equal(t, uint64(N), s.BadXIDs)
	assert.Equal(t, uint64(N), s.Sends)
	assert.Equal(t, uint64(0), s.Cong)
}

func TestIdleDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{echo: true}
	c := testConfig()
	c.IdleTimeout = 20 * time.Millisecond
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	_, err := tr.Call(ctx, []byte("x"))
	require.NoError(t, err)
	waitFor(t, tr, func() bool { return tr.state == StateDisconnected })
	assert.Equal(t, uint64(1), tr.Stats().IdleDisconnects)
	_, closes := w.stats()
	assert.Equal(t, 1, closes)

	_, err = tr.Call(ctx, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tr.ConnectGeneration())
}

func TestIdleDisconnectWaitsForTransmitLock(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{echo: true}
	c := testConfig()
	c.IdleTimeout = 100 * time.Millisecond
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	_, err := tr.Call(ctx, []byte("x"))
	require.NoError(t, err)
	g, err := tr.LockSend(ctx, nil)
	require.NoError(t, err)

	time.Sleep(3 * c.IdleTimeout)
	assert.Equal(t, StateConnected, tr.State(), "a held transmit lock defers the idle disconnect")
	assert.Equal(t, uint64(0), tr.Stats().IdleDisconnects)

	g.Unlock()
	waitFor(t, tr, func() bool { return tr.state == StateDisconnected })
	assert.Equal(t, uint64(1), tr.Stats().IdleDisconnects)
}

func TestNoIdleDisconnectWhileAwaitingReply(t *testing.T) {
	w := &mockWire{}
	c := testConfig()
	c.IdleTimeout = 10 * time.Millisecond
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	rq.SetPayload([]byte("slow"))
	require.NoError(t, tr.Transmit(ctx, rq))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, tr.State())

	require.True(t, tr.Receive(rq.XID(), nil))
	tr.Release(rq)
	waitFor(t, tr, func() bool { return tr.state == StateDisconnected })
}

func TestMajorTimeout(t *testing.T) {
	for _, reset := range []bool{true, false} {
		t.Run(fmt.Sprintf("reset_rtt=%v", reset), func(t *testing.T) {
			w := &mockWire{}
			c := testConfig()
			c.Timeout = TimeoutPolicy{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Retries: 2, Exponential: true}
			c.ResetRTTOnMajorTimeout = reset
			tr := New(c, w)
			defer shutdown(t, tr)

			initialRTO := tr.rtt.RTO(1)
			tr.rtt.Update(1, 3*time.Second)
			learnedRTO := tr.rtt.RTO(1)
			require.NotEqual(t, initialRTO, learnedRTO)

			_, err := tr.Call(context.Background(), []byte("lost"), WithTimerClass(1))
			assert.Equal(t, ErrTimedOut, err)
			if reset {
				assert.Equal(t, initialRTO, tr.rtt.RTO(1))
			} else {
				assert.Equal(t, learnedRTO, tr.rtt.RTO(1))
			}

			s := tr.Stats()
			assert.Equal(t, uint64(1), s.MajorTimeouts)
			assert.NotZero(t, s.Retransmits)
			assert.Equal(t, 0, s.Reserved)
			assert.Equal(t, 0, s.Pending)
			assert.Equal(t, uint64(congScale), s.Cwnd)
		})
	}
}

func TestShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := &mockWire{echo: true}
	c := testConfig()
	c.MinSlots, c.MaxSlots = 1, 1
	tr := New(c, w)
	ctx := context.Background()

	rq, err := tr.Reserve(ctx)
	require.NoError(t, err)
	backlogErr := make(chan error, 1)
	go func() {
		_, err := tr.Reserve(ctx)
		backlogErr <- err
	}()
	waitFor(t, tr, func() bool { return tr.backlog.len() == 1 })
	require.NoError(t, tr.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- tr.Shutdown(ctx) }()
	assert.Equal(t, ErrShutdown, <-backlogErr)
	select {
	case <-done:
		t.Fatal("shutdown must wait for reserved requests")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, ErrShutdown, tr.PrepareTransmit(rq))
	tr.Release(rq)
	require.NoError(t, <-done)

	_, err = tr.Reserve(ctx)
	assert.Equal(t, ErrShutdown, err)
	_, err = tr.Call(ctx, []byte("late"))
	assert.Equal(t, ErrShutdown, err)
	assert.Equal(t, StateDisconnected, tr.State())
	_, closes := w.stats()
	assert.Equal(t, 1, closes)
	require.NoError(t, tr.Shutdown(ctx))
}

func TestShutdownContext(t *testing.T) {
	tr := New(testConfig(), &mockWire{})
	rq, err := tr.Reserve(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, tr.Shutdown(ctx))
	tr.Release(rq)
	shutdown(t, tr)
}
