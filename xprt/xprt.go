// Package xprt implements the client side of an RPC transport: it turns
// calls from many concurrent goroutines into a congestion-controlled,
// retransmitting exchange over one shared Wire and routes replies back
// to the goroutine that is waiting for them.
//
// The building blocks are a bounded pool of request slots, an AIMD
// congestion window, a single-writer transmit lock with priority-ordered
// waiters, a table of requests awaiting a reply, per-request minor and
// major timeouts (optionally driven by an RTT estimator), and a
// connection state machine with reconnect backoff and idle disconnect.
//
// Callers that do not need fine-grained control use Call. The primitives
// Reserve, PrepareTransmit, Transmit, SetRetransTimeout, WaitReply,
// AdjustTimeout and Release are exported for dispatch layers that drive
// the request lifecycle themselves.
package xprt

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/util/chainlock"
	"github.com/zrepl/xprt/util/envconst"
	"github.com/zrepl/xprt/xprt/rtt"
)

// Wire is the byte transport underneath a Transport.
//
// Connect and Send are never called concurrently with each other:
// the Transport serializes them with its transmit lock.
type Wire interface {
	// AppendFrame appends the on-wire representation of a request
	// with the given transaction id and payload to dst.
	AppendFrame(dst []byte, xid uint32, payload []byte) []byte
	// Connect establishes the underlying channel. Replies and
	// disconnect notifications for the new channel are delivered to h.
	Connect(ctx context.Context, h Handler) error
	// Send writes (a prefix of) frame and returns the number of bytes written.
	// A temporary error (net.Error with Temporary() == true) leaves
	// the connection usable and the Transport resumes after the bytes
	// already written. Any other error is treated as a broken connection.
	Send(frame []byte) (int, error)
	// Close tears down the channel immediately.
	Close() error
}

// ReliableWire is optionally implemented by wires that never lose
// bytes while a connection is up, e.g. stream sockets.
// On such wires a minor timeout does not resend a request unless the
// connection was re-established since it was last sent.
type ReliableWire interface {
	Reliable() bool
}

// Handler receives events from a Wire. *Transport implements it.
type Handler interface {
	// Receive delivers a reply. It returns false if no request
	// with that transaction id is waiting for a reply.
	Receive(xid uint32, reply []byte) bool
	// Disconnected reports that the channel established by the last
	// successful Connect broke.
	Disconnected(err error)
}

type TimeoutPolicy struct {
	// Initial minor timeout of a request.
	Initial time.Duration
	// Ceiling for the minor timeout, also used for the major timeout
	// if the computed value exceeds it.
	Max time.Duration
	// Additive growth per retransmission if Exponential is false.
	Increment time.Duration
	// Number of retransmissions before the major timeout expires.
	Retries     int
	Exponential bool
	// UseRTT computes minor timeouts from the RTT estimator for requests
	// with a non-zero timer class.
	UseRTT bool
}

type ReconnectPolicy struct {
	Min, Max time.Duration
	Factor   float64
	Jitter   bool
}

type Config struct {
	Name               string
	MinSlots, MaxSlots int
	Timeout            TimeoutPolicy
	// Zero disables idle disconnect.
	IdleTimeout time.Duration
	Reconnect   ReconnectPolicy
	// ResetRTTOnMajorTimeout discards the RTT estimate of a request's
	// timer class when the request's major timeout expires.
	ResetRTTOnMajorTimeout bool
	Logger                 logger.Logger `json:"-" yaml:"-"`
	// AllocSlot, if set, is called before a new slot is constructed.
	// An error is treated as transient resource exhaustion and the
	// reservation is retried after a short delay.
	AllocSlot func() error `json:"-" yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Name:     "xprt",
		MinSlots: 2,
		MaxSlots: 64,
		Timeout: TimeoutPolicy{
			Initial:     time.Second,
			Max:         60 * time.Second,
			Increment:   time.Second,
			Retries:     5,
			Exponential: true,
			UseRTT:      true,
		},
		IdleTimeout: 5 * time.Minute,
		Reconnect: ReconnectPolicy{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		ResetRTTOnMajorTimeout: true,
	}
}

func (c *Config) Validate() error {
	if c.MinSlots < 1 {
		return errors.Errorf("min slots must be at least 1, got %d", c.MinSlots)
	}
	if c.MaxSlots < c.MinSlots {
		return errors.Errorf("max slots (%d) must not be less than min slots (%d)", c.MaxSlots, c.MinSlots)
	}
	if c.Timeout.Initial <= 0 {
		return errors.Errorf("initial timeout must be positive, got %s", c.Timeout.Initial)
	}
	if c.Timeout.Max < c.Timeout.Initial {
		return errors.Errorf("max timeout (%s) must not be less than initial timeout (%s)", c.Timeout.Max, c.Timeout.Initial)
	}
	if !c.Timeout.Exponential && c.Timeout.Increment < 0 {
		return errors.Errorf("timeout increment must not be negative, got %s", c.Timeout.Increment)
	}
	if c.Timeout.Retries < 0 {
		return errors.Errorf("retries must not be negative, got %d", c.Timeout.Retries)
	}
	if c.IdleTimeout < 0 {
		return errors.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.Reconnect.Min < 0 || c.Reconnect.Max < c.Reconnect.Min {
		return errors.Errorf("invalid reconnect backoff interval [%s, %s]", c.Reconnect.Min, c.Reconnect.Max)
	}
	return nil
}

var (
	reserveRetryDelay   = envconst.Duration("XPRT_RESERVE_RETRY_DELAY", 250*time.Millisecond)
	transientRetryDelay = envconst.Duration("XPRT_TRANSIENT_RETRY_DELAY", 10*time.Millisecond)
)

type Transport struct {
	config   Config
	wire     Wire
	reliable bool
	log      logger.Logger
	rtt      *rtt.Estimator

	xid uint32 // atomic

	// l protects the slot pool, the congestion window, the transmit lock
	// with its waiters, and the connection state.
	l *chainlock.L

	// slot pool
	free     []*Request
	numSlots int
	reserved int
	backlog  waitList

	// congestion window and in-flight charge, in congScale units
	cwnd, cong uint64

	// transmit lock
	sendLocked bool
	sendOwner  *Request // nil for reservation-only holders and cleanup
	sending    sendQueue
	sendSeq    uint64
	closeWait  bool

	// connection lifecycle
	state       State
	connectGen  uint64
	connID      string
	connWaiters waitList
	reconnect   *backoff.Backoff
	reconnectAt time.Time
	idleTimer   *time.Timer
	idleGen     uint64
	lastUsed    time.Time

	shutdown bool
	drained  chan struct{}

	pending pendingTable

	stats   Stats
	metrics metrics
}

var _ Handler = (*Transport)(nil)

// New creates a Transport on top of w.
// The config must be valid, New panics if it is not.
func New(config Config, w Wire) *Transport {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("xprt: invalid config: %s", err))
	}
	if w == nil {
		panic("xprt: wire must not be nil")
	}
	log := config.Logger
	if log == nil && debugEnabled {
		log = logger.NewStderrDebugLogger()
	} else if log == nil {
		log = logger.NewNullLogger()
	}
	t := &Transport{
		config: config,
		wire:   w,
		log:    log.WithField("xprt", config.Name),
		rtt:    rtt.New(config.Timeout.Initial),
		xid:    rand.Uint32(),
		l:      chainlock.New(),
		cwnd:   congScale,
		state:  StateDisconnected,
		reconnect: &backoff.Backoff{
			Min:    config.Reconnect.Min,
			Max:    config.Reconnect.Max,
			Factor: config.Reconnect.Factor,
			Jitter: config.Reconnect.Jitter,
		},
		drained: make(chan struct{}),
		metrics: newMetrics(config.Name),
	}
	t.metrics.cwnd.Set(1)
	if rw, ok := w.(ReliableWire); ok {
		t.reliable = rw.Reliable()
	}
	t.sending.init()
	t.free = make([]*Request, 0, config.MinSlots)
	for i := 0; i < config.MinSlots; i++ {
		t.free = append(t.free, newRequest(t))
	}
	t.numSlots = config.MinSlots
	t.stats.MaxSlotsSeen = config.MinSlots
	debug("%s: new transport slots=[%d,%d]", config.Name, config.MinSlots, config.MaxSlots)
	return t
}

func (t *Transport) Name() string { return t.config.Name }

func (t *Transport) State() State {
	defer t.l.Lock().Unlock()
	return t.state
}

// ConnectGeneration returns the number of successful connects so far.
func (t *Transport) ConnectGeneration() uint64 {
	defer t.l.Lock().Unlock()
	return t.connectGen
}

// xids are handed out sequentially from a random start so that
// a restarted client does not reuse the ids of its predecessor.
func (t *Transport) allocXID() uint32 {
	return atomic.AddUint32(&t.xid, 1)
}
