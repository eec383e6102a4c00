//go:build linux

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// TuneDial configures TCP performance options on an outbound dial's raw
// socket fd. Installed as net.Dialer.Control before connect(2).
func TuneDial(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		// Disable Nagle's algorithm for lower relay latency.
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		// Detect a dead peer on an otherwise-idle Connected session.
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}

// TuneListen sets SO_REUSEADDR on the listening socket fd, matching the
// evconnlistener's LEV_OPT_REUSEABLE flag in the original implementation.
func TuneListen(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}
