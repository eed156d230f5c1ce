package xprt

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockWire records frames and optionally echoes them back.
type mockWire struct {
	mtx sync.Mutex
	h   Handler

	reliable bool
	echo     bool
	// connectErrs are returned by the next Connect calls, in order
	connectErrs []error
	// connectGate, if set, blocks Connect until closed
	connectGate chan struct{}
	// sendHook, if set, replaces the default Send behavior
	sendHook func(w *mockWire, frame []byte) (int, error)

	connects, closes int
	frames           [][]byte

	inSend, maxInSend int32
}

func (w *mockWire) Reliable() bool { return w.reliable }

func (w *mockWire) AppendFrame(dst []byte, xid uint32, payload []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], xid)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

func (w *mockWire) Connect(ctx context.Context, h Handler) error {
	w.mtx.Lock()
	gate := w.connectGate
	w.mtx.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.connects++
	if len(w.connectErrs) > 0 {
		err := w.connectErrs[0]
		w.connectErrs = w.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	w.h = h
	return nil
}

func (w *mockWire) Send(frame []byte) (int, error) {
	n := atomic.AddInt32(&w.inSend, 1)
	defer atomic.AddInt32(&w.inSend, -1)
	for {
		max := atomic.LoadInt32(&w.maxInSend)
		if n <= max || atomic.CompareAndSwapInt32(&w.maxInSend, max, n) {
			break
		}
	}
	if w.sendHook != nil {
		return w.sendHook(w, frame)
	}
	w.record(frame)
	if w.echo {
		xid, payload := splitFrame(frame)
		w.handler().Receive(xid, payload)
	}
	return len(frame), nil
}

func (w *mockWire) record(frame []byte) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.frames = append(w.frames, append([]byte(nil), frame...))
}

func (w *mockWire) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.closes++
	return nil
}

func (w *mockWire) handler() Handler {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.h
}

func (w *mockWire) sentFrames() [][]byte {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([][]byte(nil), w.frames...)
}

func (w *mockWire) stats() (connects, closes int) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.connects, w.closes
}

func splitFrame(frame []byte) (uint32, []byte) {
	return binary.BigEndian.Uint32(frame[:4]), frame[4:]
}

type tempError struct{}

func (tempError) Error() string   { return "resource temporarily unavailable" }
func (tempError) Timeout() bool   { return true }
func (tempError) Temporary() bool { return true }

func testConfig() Config {
	c := DefaultConfig()
	c.Name = "test"
	c.MinSlots = 2
	c.MaxSlots = 8
	c.IdleTimeout = 0
	c.Timeout = TimeoutPolicy{
		Initial:     time.Second,
		Max:         10 * time.Second,
		Increment:   time.Second,
		Retries:     3,
		Exponential: true,
	}
	c.Reconnect = ReconnectPolicy{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	return c
}

func shutdown(t *testing.T, tr *Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
}

// waitFor polls cond under the transport lock.
func waitFor(t *testing.T, tr *Transport, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		defer tr.l.Lock().Unlock()
		return cond()
	}, 5*time.Second, time.Millisecond)
}
