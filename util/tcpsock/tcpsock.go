// Package tcpsock creates TCP listeners with optional non-local bind.
package tcpsock

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Listen listens on address. With tryFreeBind, the socket may be bound
// to an address that is not (yet) configured on any local interface.
func Listen(address string, tryFreeBind bool) (*net.TCPListener, error) {
	control := func(network, address string, c syscall.RawConn) error {
		if tryFreeBind {
			if err := freeBind(network, address, c); err != nil {
				return errors.Wrap(err, "cannot enable free bind")
			}
		}
		return nil
	}
	var listenConfig = net.ListenConfig{
		Control: control,
	}

	l, err := listenConfig.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, err
	}
	return l.(*net.TCPListener), nil
}
