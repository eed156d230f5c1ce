package tcp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/transport"
	"github.com/zrepl/xprt/util/tcpsock"
)

func TCPListenerFactoryFromConfig(c *config.Global, in *config.TCPServe) (transport.ListenerFactory, error) {
	if in.Listen == "" {
		return nil, errors.New("listen address must not be empty")
	}
	lf := func() (transport.Listener, error) {
		l, err := tcpsock.Listen(in.Listen, in.ListenFreeBind)
		if err != nil {
			return nil, err
		}
		return &TCPListener{l}, nil
	}
	return lf, nil
}

type TCPListener struct {
	*net.TCPListener
}

var _ transport.Listener = (*TCPListener)(nil)

// Accept blocks until a client connects or ctx is done.
func (f *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	acceptDone := make(chan struct{})
	defer close(acceptDone)
	go func() {
		select {
		case <-ctx.Done():
			// unblock AcceptTCP
			_ = f.TCPListener.SetDeadline(time.Unix(1, 0))
		case <-acceptDone:
		}
	}()
	nc, err := f.TCPListener.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := nc.SetNoDelay(true); err != nil {
		transport.GetLogger(ctx).WithError(err).Warn("cannot set TCP_NODELAY on accepted connection")
	}
	return nc, nil
}
