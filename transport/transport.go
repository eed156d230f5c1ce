// Package transport defines how the framed wire obtains its
// underlying byte streams: a Connecter dials a peer, a Listener
// accepts connections on the serving side.
package transport

import (
	"context"
	"net"

	"github.com/zrepl/xprt/logger"
)

type Connecter interface {
	Connect(ctx context.Context) (net.Conn, error)
}

// like net.Listener, but Accept honors ctx
type Listener interface {
	Addr() net.Addr
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
}

type ListenerFactory func() (Listener, error)

type contextKey int

const contextKeyLog contextKey = 0

type Logger = logger.Logger

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLog, log)
}

func GetLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLog).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}
