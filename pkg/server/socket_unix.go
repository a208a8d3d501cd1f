// ABOUTME: Listener socket options on Unix: SO_REUSEADDR so a restarted relay
// ABOUTME: can rebind its port while old connections sit in TIME_WAIT
//go:build unix

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket is the net.ListenConfig hook for the TCP listener
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
