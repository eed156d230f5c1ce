package wire

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/zrepl/xprt/transport"
)

// A ServerHandler answers request frames. If send is false, no reply is
// sent. req is only valid for the duration of the call.
type ServerHandler interface {
	HandleFrame(ctx context.Context, xid uint32, req []byte) (reply []byte, send bool)
}

type ServerHandlerFunc func(ctx context.Context, xid uint32, req []byte) (reply []byte, send bool)

func (f ServerHandlerFunc) HandleFrame(ctx context.Context, xid uint32, req []byte) ([]byte, bool) {
	return f(ctx, xid, req)
}

type Server struct {
	MaxFrameSize uint32
	// Upper bound for requests handled concurrently across all connections.
	// Zero means DefaultMaxConcurrency.
	MaxConcurrency int64
}

const DefaultMaxConcurrency = 256

// Serve serves l with the default Server.
func Serve(ctx context.Context, l transport.Listener, h ServerHandler) error {
	return (&Server{}).Serve(ctx, l, h)
}

// Serve accepts connections until ctx is done, then closes l and all
// connections and waits for running handlers to return.
// It returns nil if ctx was the reason to stop.
func (s *Server) Serve(ctx context.Context, l transport.Listener, h ServerHandler) error {
	maxConcurrency := s.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	sem := semaphore.NewWeighted(maxConcurrency)
	log := getLog(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()
	defer l.Close()

	log.WithField("addr", l.Addr()).Info("serving frames")
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn, h, sem)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, h ServerHandler, sem *semaphore.Weighted) {
	log := getLog(ctx).WithField("remote", conn.RemoteAddr())
	log.Debug("accepted connection")

	var handlers sync.WaitGroup
	defer handlers.Wait()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var writeMtx sync.Mutex
	reply := func(xid uint32, payload []byte) {
		writeMtx.Lock()
		defer writeMtx.Unlock()
		frame := AppendFrame(make([]byte, 0, HeaderLen+len(payload)), xid, payload)
		if _, err := conn.Write(frame); err != nil {
			log.WithError(err).Debug("cannot write reply")
			cancel()
			return
		}
		prom.ServerReplies.Inc()
	}

	fr := newFrameReader(bufio.NewReaderSize(conn, readBufferSize), s.MaxFrameSize)
	defer fr.free()
	for {
		hdr, payload, err := fr.readFrame()
		if err != nil {
			if connCtx.Err() == nil {
				log.WithError(err).Debug("connection closed")
			}
			return
		}
		prom.ServerRequests.Inc()
		if err := sem.Acquire(connCtx, 1); err != nil {
			return
		}
		req := append([]byte(nil), payload...)
		handlers.Add(1)
		go func(xid uint32) {
			defer handlers.Done()
			defer sem.Release(1)
			out, send := h.HandleFrame(connCtx, xid, req)
			if !send {
				prom.ServerDropped.Inc()
				return
			}
			reply(xid, out)
		}(hdr.XID)
	}
}
