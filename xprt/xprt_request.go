package xprt

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/zrepl/xprt/xprt/rtt"
)

var framePool bytebufferpool.Pool

// Request is a slot of the Transport's request pool.
// Between Reserve and Release it is owned by exactly one caller.
type Request struct {
	t   *Transport
	gen uint64 // bumped on every release, protected by t.l

	xid         uint32
	payload     []byte
	frame       *bytebufferpool.ByteBuffer
	expectReply bool
	timerClass  int

	// reply is written by the receive path before replied is set
	reply    []byte
	replyLen int
	replied  uint32 // atomic

	// transmit path, protected by t.l
	bytesSent   int
	inProgress  bool // frame partially sent on connectGen
	transmits   int
	sentAt      time.Time
	connectGen  uint64
	congCharged bool

	// timeout engine, owned by the caller
	retries       int
	timeout       time.Duration
	majorDeadline time.Time
	waitTimeout   time.Duration

	// pending-reply table, protected by pendingTable.mtx
	registered bool
	pendErr    error
	doorbell   chan struct{}

	reserved bool // protected by t.l
}

func newRequest(t *Transport) *Request {
	return &Request{
		t:        t,
		doorbell: make(chan struct{}, 1),
	}
}

// callers must hold t.l
func (rq *Request) init(now time.Time) {
	t := rq.t
	rq.reserved = true
	rq.xid = t.allocXID()
	rq.expectReply = true
	rq.timerClass = 0
	rq.connectGen = t.connectGen - 1
	rq.timeout = t.config.Timeout.Initial
	rq.retries = 0
	rq.majorDeadline = now.Add(t.calcMajorTimeout(rq))
}

// callers must hold t.l
func (rq *Request) reset() {
	rq.reserved = false
	rq.gen++
	rq.payload = nil
	if rq.frame != nil {
		framePool.Put(rq.frame)
		rq.frame = nil
	}
	rq.reply = nil
	rq.replyLen = 0
	atomic.StoreUint32(&rq.replied, 0)
	rq.bytesSent = 0
	rq.inProgress = false
	rq.transmits = 0
	rq.sentAt = time.Time{}
	rq.congCharged = false
	rq.waitTimeout = 0
	rq.pendErr = nil
	select {
	case <-rq.doorbell:
	default:
	}
}

func (rq *Request) XID() uint32 { return rq.xid }

// SetPayload sets the opaque request body. It must be called before
// the first PrepareTransmit.
func (rq *Request) SetPayload(p []byte) { rq.payload = p }

// SetReplyBuffer makes the receive path copy the reply into b if it fits.
func (rq *Request) SetReplyBuffer(b []byte) { rq.reply = b[:0] }

// SetTimerClass selects the RTT estimator class (1..rtt.NumClasses)
// used for this request's minor timeouts. Class 0 uses the fixed policy.
func (rq *Request) SetTimerClass(c int) {
	if c < 0 || c > rtt.NumClasses {
		panic(fmt.Sprintf("xprt: invalid timer class %d", c))
	}
	rq.timerClass = c
}

// SetNoReply marks the request as fire-and-forget: it is never
// registered in the pending-reply table.
func (rq *Request) SetNoReply() { rq.expectReply = false }

func (rq *Request) Replied() bool { return atomic.LoadUint32(&rq.replied) != 0 }

// Reply returns the reply once Replied is true, nil before.
func (rq *Request) Reply() []byte {
	if !rq.Replied() {
		return nil
	}
	return rq.reply[:rq.replyLen]
}

func (rq *Request) ReplyLen() int {
	if !rq.Replied() {
		return 0
	}
	return rq.replyLen
}

func (rq *Request) Retries() int { return rq.retries }

func (rq *Request) Transmissions() int { return rq.transmits }

func (rq *Request) MajorDeadline() time.Time { return rq.majorDeadline }

// Timeout returns the current minor timeout of the fixed policy.
func (rq *Request) Timeout() time.Duration { return rq.timeout }
