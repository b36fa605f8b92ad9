//go:build unix

package socks5

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl enables SO_REUSEPORT on a listening socket.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
