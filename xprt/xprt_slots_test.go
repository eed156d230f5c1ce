package xprt

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacklogHandoff(t *testing.T) {
	w := &mockWire{echo: true}
	c := testConfig()
	c.MinSlots, c.MaxSlots = 1, 2
	tr := New(c, w)
	defer shutdown(t, tr)
	ctx := context.Background()

	a, err := tr.Reserve(ctx)
	require.NoError(t, err)
	b, err := tr.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Stats().Slots)

	got := make(chan *Request, 1)
	go func() {
		rq, err := tr.Reserve(ctx)
		assert.NoError(t, err)
		got <- rq
	}()
	waitFor(t, tr, func() bool { return tr.backlog.len() == 1 })
	select {
	case <-got:
		t.Fatal("reserve must block while all slots are reserved")
	default:
	}

	tr.Release(a)
	rq := <-got
	require.NotNil(t, rq)
	assert.Equal(t, 2, tr.Stats().Slots, "handed over, not destroyed")

	rq.SetPayload([]byte("from the backlog"))
	require.NoError(t, tr.PrepareTransmit(rq))
	require.NoError(t, tr.Transmit(ctx, rq))
	require.NoError(t, tr.WaitReply(ctx, rq))
	assert.Equal(t, "from the backlog", string(rq.Reply()))

	tr.Release(rq)
	tr.Release(b)
	s := tr.Stats()
	assert.Equal(t, 1, s.Slots, "shrinks back to min slots")
	assert.Equal(t, 1, s.FreeSlots)
	assert.Equal(t, 0, s.Reserved)
	assert.Equal(t, 2, s.MaxSlotsSeen)
	assert.Equal(t, uint64(1), s.BacklogWaits)
}

func TestReserveCancel(t *testing.T) {
	c := testConfig()
	c.MinSlots, c.MaxSlots = 1, 1
	tr := New(c, &mockWire{})
	defer shutdown(t, tr)

	rq, err := tr.Reserve(context.Background())
	require.NoError(t, err)
	defer tr.Release(rq)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tr.Reserve(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
	tr.l.HoldWhile(func() {
		assert.Equal(t, 0, tr.backlog.len())
	})
	assert.Equal(t, 1, tr.Stats().Reserved)
}

func TestAllocSlotFailureIsRetried(t *testing.T) {
	defer func(d time.Duration) { reserveRetryDelay = d }(reserveRetryDelay)
	reserveRetryDelay = time.Millisecond

	failures := int32(2)
	c := testConfig()
	c.MinSlots, c.MaxSlots = 1, 2
	c.AllocSlot = func() error {
		if atomic.AddInt32(&failures, -1) >= 0 {
			return errors.New("cannot allocate memory")
		}
		return nil
	}
	tr := New(c, &mockWire{})
	defer shutdown(t, tr)
	ctx := context.Background()

	a, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(a)
	assert.Equal(t, int32(2), atomic.LoadInt32(&failures), "preallocated slots skip the hook")

	b, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(b)
	assert.Equal(t, int32(-1), atomic.LoadInt32(&failures))
	assert.Equal(t, 2, tr.Stats().Slots)
}

func TestSlotBoundsUnderLoad(t *testing.T) {
	c := testConfig()
	c.MinSlots, c.MaxSlots = 2, 5
	tr := New(c, &mockWire{})
	defer shutdown(t, tr)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				rq, err := tr.Reserve(ctx)
				if !assert.NoError(t, err) {
					return
				}
				s := tr.Stats()
				assert.True(t, s.Slots >= c.MinSlots && s.Slots <= c.MaxSlots, "slots=%d", s.Slots)
				tr.Release(rq)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	s := tr.Stats()
	assert.Equal(t, 0, s.Reserved)
	assert.Equal(t, c.MinSlots, s.Slots)
	assert.LessOrEqual(t, s.MaxSlotsSeen, c.MaxSlots)
}
