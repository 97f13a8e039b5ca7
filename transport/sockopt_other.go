//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package transport

import (
	"syscall"

	"github.com/pkg/errors"
)

func socketControl(buffer int, v6 bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
