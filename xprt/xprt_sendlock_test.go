package xprt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransmitLockPriorityOrder(t *testing.T) {
	tr := New(testConfig(), &mockWire{})
	defer shutdown(t, tr)
	ctx := context.Background()

	holder, err := tr.LockSend(ctx, nil)
	require.NoError(t, err)

	fresh, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(fresh)
	retrans, err := tr.Reserve(ctx)
	require.NoError(t, err)
	defer tr.Release(retrans)
	retrans.transmits = 1

	var (
		mtx   sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	enqueue := func(name string, rq *Request, queued int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := tr.LockSend(ctx, rq)
			if !assert.NoError(t, err) {
				return
			}
			mtx.Lock()
			order = append(order, name)
			mtx.Unlock()
			g.Unlock()
		}()
		waitFor(t, tr, func() bool { return tr.sending.len() == queued })
	}
	enqueue("A", nil, 1)
	enqueue("B", fresh, 2)
	enqueue("C", retrans, 3)

	holder.Unlock()
	wg.Wait()
	assert.Equal(t, []string{"C", "B", "A"}, order)
}

func TestTransmitLockSingleHolder(t *testing.T) {
	tr := New(testConfig(), &mockWire{})
	defer shutdown(t, tr)

	const N = 20
	var holders, maxHolders int
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := tr.LockSend(context.Background(), nil)
			if !assert.NoError(t, err) {
				return
			}
			mtx.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mtx.Unlock()
			time.Sleep(time.Millisecond)
			mtx.Lock()
			holders--
			mtx.Unlock()
			g.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxHolders)
}

func TestLockSendCancel(t *testing.T) {
	tr := New(testConfig(), &mockWire{})
	defer shutdown(t, tr)

	holder, err := tr.LockSend(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tr.LockSend(ctx, nil)
	assert.Equal(t, context.DeadlineExceeded, err)
	tr.l.HoldWhile(func() {
		assert.Equal(t, 0, tr.sending.len(), "cancelled waiter must be dequeued")
	})

	holder.Unlock()
	holder.Unlock()
	g, err := tr.LockSend(context.Background(), nil)
	require.NoError(t, err)
	g.Unlock()
}

func TestSendHeapOrder(t *testing.T) {
	var q sendQueue
	q.init()
	ws := []*waiter{
		{band: bandReserve, seq: 0},
		{band: bandFresh, seq: 1},
		{band: bandRetransmit, seq: 2},
		{band: bandFresh, seq: 3},
		{band: bandRetransmit, seq: 4},
		{band: bandReserve, seq: 5},
	}
	for _, w := range ws {
		q.push(w)
	}
	q.remove(ws[3])
	assert.Equal(t, -1, ws[3].idx)

	var got []uint64
	for w := q.pop(); w != nil; w = q.pop() {
		got = append(got, w.seq)
	}
	assert.Equal(t, []uint64{2, 4, 1, 0, 5}, got)
}
