//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package transport

import (
	"syscall"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socketControl sizes the kernel buffers to the receive budget and keeps
// IPv6 sockets off the IPv4 port, which belongs to the IPv4 socket.
func socketControl(buffer int, v6 bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, buffer); err != nil {
				glog.V(2).Infof("SO_RCVBUF %d on %s: %s", buffer, address, err)
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, buffer); err != nil {
				glog.V(2).Infof("SO_SNDBUF %d on %s: %s", buffer, address, err)
			}
			if v6 {
				serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

func isReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.ECONNREFUSED)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
