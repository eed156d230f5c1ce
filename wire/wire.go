// Package wire carries xprt requests and replies over a byte stream
// obtained from a transport.Connecter.
//
// Every message is a frame: an 8 byte header holding the payload length
// and the transaction id, both big-endian, followed by the payload.
package wire

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/transport"
	"github.com/zrepl/xprt/util/envconst"
	"github.com/zrepl/xprt/xprt"
)

var defaultSendTimeout = envconst.Duration("XPRT_WIRE_SEND_TIMEOUT", 10*time.Second)

const readBufferSize = 1 << 16

type Config struct {
	// Upper bound for the payload of a received frame.
	// Zero means DefaultMaxFrameSize.
	MaxFrameSize uint32
	// Write deadline of a single Send. Zero means $XPRT_WIRE_SEND_TIMEOUT.
	SendTimeout time.Duration
	// Label for metrics.
	Name   string
	Logger logger.Logger
}

// Stream implements xprt.Wire on top of stream connections.
type Stream struct {
	connecter transport.Connecter
	config    Config
	log       logger.Logger
	metrics   metrics

	mtx        sync.Mutex
	conn       net.Conn
	readerDone chan struct{}
}

var _ xprt.Wire = (*Stream)(nil)
var _ xprt.ReliableWire = (*Stream)(nil)

func New(connecter transport.Connecter, cfg Config) *Stream {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "wire"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Stream{
		connecter: connecter,
		config:    cfg,
		log:       log,
		metrics:   newMetrics(cfg.Name),
	}
}

// Reliable reports true: a stream connection does not lose bytes
// while it is up.
func (s *Stream) Reliable() bool { return true }

func (s *Stream) AppendFrame(dst []byte, xid uint32, payload []byte) []byte {
	return AppendFrame(dst, xid, payload)
}

var errAlreadyConnected = errors.New("wire: already connected")
var errNotConnected = errors.New("wire: not connected")

// Connect dials a new connection and starts delivering its frames to h.
func (s *Stream) Connect(ctx context.Context, h xprt.Handler) error {
	conn, err := s.connecter.Connect(ctx)
	if err != nil {
		s.metrics.dialErrors.Inc()
		return errors.Wrap(err, "cannot connect")
	}
	s.mtx.Lock()
	if s.conn != nil {
		s.mtx.Unlock()
		conn.Close()
		return errAlreadyConnected
	}
	s.conn = conn
	done := make(chan struct{})
	s.readerDone = done
	s.mtx.Unlock()

	s.log.WithField("remote", conn.RemoteAddr()).Debug("connected")
	go s.readLoop(conn, h, done)
	return nil
}

func (s *Stream) readLoop(conn net.Conn, h xprt.Handler, done chan struct{}) {
	defer close(done)
	fr := newFrameReader(bufio.NewReaderSize(conn, readBufferSize), s.config.MaxFrameSize)
	defer fr.free()
	for {
		hdr, payload, err := fr.readFrame()
		if err != nil {
			s.readFailed(conn, h, err)
			return
		}
		s.metrics.framesReceived.Inc()
		s.metrics.bytesReceived.Add(float64(HeaderLen + len(payload)))
		if !h.Receive(hdr.XID, payload) {
			s.metrics.framesUnmatched.Inc()
			debug("xid %#08x: no pending request, dropping %d bytes", hdr.XID, len(payload))
		}
	}
}

func (s *Stream) readFailed(conn net.Conn, h xprt.Handler, err error) {
	s.mtx.Lock()
	current := s.conn == conn
	s.mtx.Unlock()
	if !current {
		// caused by Close
		debug("reader exits after close: %s", err)
		return
	}
	var tooLarge *FrameTooLargeError
	if errors.As(err, &tooLarge) {
		s.log.WithError(err).Error("peer sent oversized frame")
	} else {
		s.log.WithError(err).Debug("read failed")
	}
	h.Disconnected(err)
}

type sendTimeoutError struct {
	cause error
}

func (e *sendTimeoutError) Error() string {
	return "wire: send timed out: " + e.cause.Error()
}
func (e *sendTimeoutError) Cause() error    { return e.cause }
func (e *sendTimeoutError) Unwrap() error   { return e.cause }
func (e *sendTimeoutError) Timeout() bool   { return true }
func (e *sendTimeoutError) Temporary() bool { return true }

var _ net.Error = (*sendTimeoutError)(nil)

// Send writes frame under a write deadline.
// An expired deadline is reported as a temporary error together with the
// number of bytes that made it into the connection.
func (s *Stream) Send(frame []byte) (int, error) {
	s.mtx.Lock()
	conn := s.conn
	s.mtx.Unlock()
	if conn == nil {
		return 0, errNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.SendTimeout)); err != nil {
		return 0, errors.Wrap(err, "cannot set write deadline")
	}
	n, err := conn.Write(frame)
	s.metrics.bytesSent.Add(float64(n))
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		s.metrics.sendTimeouts.Inc()
		return n, &sendTimeoutError{err}
	}
	return n, err
}

// Close closes the current connection and waits for its reader to exit.
// Close must not be called from within Handler callbacks.
func (s *Stream) Close() error {
	s.mtx.Lock()
	conn, done := s.conn, s.readerDone
	s.conn, s.readerDone = nil, nil
	s.mtx.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	if errors.Is(err, syscall.ECONNRESET) {
		// the fd is closed nonetheless
		return nil
	}
	return err
}
