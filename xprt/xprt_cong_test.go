package xprt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryAdmit(t *testing.T) {
	tr := New(testConfig(), &mockWire{})
	defer tr.l.Lock().Unlock()

	assert.True(t, tr.tryAdmit(nil))
	assert.Equal(t, uint64(0), tr.cong)

	a := newRequest(tr)
	a.transmits = 1
	assert.True(t, tr.tryAdmit(a))
	assert.True(t, a.congCharged)
	assert.Equal(t, uint64(congScale), tr.cong)
	assert.True(t, tr.tryAdmit(a), "no double charge")
	assert.Equal(t, uint64(congScale), tr.cong)

	b := newRequest(tr)
	b.transmits = 1
	assert.False(t, tr.tryAdmit(b))
	b.transmits = 0
	assert.True(t, tr.tryAdmit(b))
	assert.False(t, b.congCharged)
	assert.Equal(t, uint64(congScale), tr.cong)

	tr.putCong(a)
	assert.False(t, a.congCharged)
	assert.Equal(t, uint64(0), tr.cong)
	tr.putCong(a)
	assert.Equal(t, uint64(0), tr.cong)
}

func TestCongestionWindowAIMD(t *testing.T) {
	c := testConfig()
	c.MaxSlots = 8
	tr := New(c, &mockWire{})
	defer tr.l.Lock().Unlock()

	rq := newRequest(tr)
	rq.transmits = 1
	charge := func() {
		// saturate the window so that a success grows it
		tr.cong = tr.cwnd - congScale
		rq.congCharged = false
		if !assert.True(t, tr.tryAdmit(rq)) {
			t.FailNow()
		}
	}

	charge()
	tr.congResult(rq, false)
	assert.Equal(t, uint64(2*congScale), tr.cwnd)
	assert.False(t, rq.congCharged)

	// no growth while the window is not fully used
	tr.cong = 0
	rq.congCharged = false
	tr.congResult(rq, false)
	assert.Equal(t, uint64(2*congScale), tr.cwnd)

	prev := tr.cwnd
	for i := 0; i < 1000; i++ {
		charge()
		tr.congResult(rq, false)
		assert.True(t, tr.cwnd >= prev)
		prev = tr.cwnd
	}
	assert.Equal(t, uint64(8*congScale), tr.cwnd, "capped at max slots")

	tr.cong = 0
	tr.congResult(rq, true)
	assert.Equal(t, uint64(4*congScale), tr.cwnd)
	for i := 0; i < 10; i++ {
		tr.congResult(rq, true)
	}
	assert.Equal(t, uint64(congScale), tr.cwnd, "floored at one request")
}
