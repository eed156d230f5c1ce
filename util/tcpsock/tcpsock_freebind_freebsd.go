//go:build freebsd

package tcpsock

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func freeBind(network, address string, c syscall.RawConn) error {
	var err, sockerr error
	err = c.Control(func(fd uintptr) {
		if network == "tcp6" {
			sockerr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
		} else if network == "tcp4" {
			sockerr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BINDANY, 1)
		} else {
			sockerr = fmt.Errorf("expecting 'tcp6' or 'tcp4', got %q", network)
		}
	})
	if err != nil {
		return err
	}
	return sockerr
}
