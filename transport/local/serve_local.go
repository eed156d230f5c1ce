// Package local implements an in-process switchboard: connecters and
// listeners that share a listener name are joined by a socketpair.
package local

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/transport"
	"github.com/zrepl/xprt/util/socketpair"
)

var localListeners struct {
	m    map[string]*LocalListener // listenerName -> listener
	init sync.Once
	mtx  sync.Mutex
}

func GetLocalListener(listenerName string) *LocalListener {

	localListeners.init.Do(func() {
		localListeners.m = make(map[string]*LocalListener)
	})

	localListeners.mtx.Lock()
	defer localListeners.mtx.Unlock()

	l, ok := localListeners.m[listenerName]
	if !ok {
		l = newLocalListener(listenerName)
		localListeners.m[listenerName] = l
	}
	return l

}

type connectRequest struct {
	callback chan connectResult
}

type connectResult struct {
	conn net.Conn
	err  error
}

type LocalListener struct {
	name     string
	connects chan connectRequest

	mtx    sync.Mutex
	closed chan struct{}
}

var ErrListenerClosed = errors.New("local listener closed")

func newLocalListener(name string) *LocalListener {
	return &LocalListener{
		name:     name,
		connects: make(chan connectRequest),
		closed:   make(chan struct{}),
	}
}

// Connect to the LocalListener.
func (l *LocalListener) Connect(dialCtx context.Context) (conn net.Conn, err error) {

	// place request
	req := connectRequest{
		// buffered so that the listener never blocks on a client that gave up
		callback: make(chan connectResult, 1),
	}
	select {
	case l.connects <- req:
	case <-dialCtx.Done():
		return nil, dialCtx.Err()
	}

	// wait for listener response
	select {
	case connRes := <-req.callback:
		return connRes.conn, connRes.err
	case <-dialCtx.Done():
		// the listener may still respond, don't leak the socket
		go func() {
			if res := <-req.callback; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, dialCtx.Err()
	}
}

type localAddr struct {
	S string
}

func (localAddr) Network() string { return "local" }

func (a localAddr) String() string { return a.S }

func (l *LocalListener) Addr() net.Addr { return localAddr{l.name} }

var _ transport.Listener = (*LocalListener)(nil)

func (l *LocalListener) Accept(ctx context.Context) (net.Conn, error) {
	l.mtx.Lock()
	closed := l.closed
	l.mtx.Unlock()

	transport.GetLogger(ctx).Debug("waiting for local client connect requests")
	var req connectRequest
	select {
	case req = <-l.connects:
	case <-closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	transport.GetLogger(ctx).Debug("creating socketpair")
	left, right, err := socketpair.SocketPair()
	if err != nil {
		req.callback <- connectResult{nil, errors.Errorf("server error: %s", err)}
		return nil, err
	}

	transport.GetLogger(ctx).Debug("responding with left side of socketpair")
	req.callback <- connectResult{left, nil}
	return right, nil
}

// Close makes pending and future Accepts return ErrListenerClosed until
// the listener is reused through a new ListenerFactory invocation.
func (l *LocalListener) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *LocalListener) reopen() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	select {
	case <-l.closed:
		l.closed = make(chan struct{})
	default:
	}
}

func LocalListenerFactoryFromConfig(g *config.Global, in *config.LocalServe) (transport.ListenerFactory, error) {
	if in.ListenerName == "" {
		return nil, errors.New("ListenerName must not be empty")
	}
	listenerName := in.ListenerName
	lf := func() (transport.Listener, error) {
		l := GetLocalListener(listenerName)
		l.reopen()
		return l, nil
	}
	return lf, nil
}
