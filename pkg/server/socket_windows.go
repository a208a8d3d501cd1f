// ABOUTME: Listener socket options on Windows: SO_REUSEADDR so a restarted
// ABOUTME: relay can rebind its port immediately
//go:build windows

package server

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlSocket is the net.ListenConfig hook for the TCP listener
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
