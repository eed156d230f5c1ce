package local

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
)

type LocalConnecter struct {
	listenerName string
	dialTimeout  time.Duration
}

func LocalConnecterFromConfig(in *config.LocalConnect) (*LocalConnecter, error) {
	if in.ListenerName == "" {
		return nil, errors.New("ListenerName must not be empty")
	}
	if in.DialTimeout < 0 {
		return nil, errors.New("DialTimeout must be zero or positive")
	}
	cn := &LocalConnecter{
		listenerName: in.ListenerName,
		dialTimeout:  in.DialTimeout,
	}
	return cn, nil
}

func (c *LocalConnecter) Connect(dialCtx context.Context) (net.Conn, error) {
	l := GetLocalListener(c.listenerName)
	if c.dialTimeout > 0 {
		ctx, cancel := context.WithTimeout(dialCtx, c.dialTimeout)
		defer cancel()
		dialCtx = ctx // shadow
	}
	w, err := l.Connect(dialCtx)
	if err == context.DeadlineExceeded {
		return nil, errors.Errorf("local listener %q not reachable", c.listenerName)
	}
	return w, err
}
