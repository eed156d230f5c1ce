package tcp

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
)

type TCPConnecter struct {
	Address string
	dialer  net.Dialer
}

func TCPConnecterFromConfig(in *config.TCPConnect) (*TCPConnecter, error) {
	if in.Address == "" {
		return nil, errors.New("address must not be empty")
	}
	if _, _, err := net.SplitHostPort(in.Address); err != nil {
		return nil, errors.Wrapf(err, "invalid address %q", in.Address)
	}
	dialer := net.Dialer{
		Timeout: in.DialTimeout,
	}
	return &TCPConnecter{in.Address, dialer}, nil
}

func (c *TCPConnecter) Connect(dialCtx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.Address)
	if err != nil {
		return nil, err
	}
	tcpConn := conn.(*net.TCPConn)
	// frames are written in one piece, Nagle only adds latency
	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, errors.Wrap(err, "cannot set TCP_NODELAY")
	}
	return tcpConn, nil
}
