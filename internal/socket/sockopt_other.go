//go:build !linux

package socket

import "syscall"

// TuneDial is a no-op on non-Linux platforms. The Linux-specific version
// in sockopt_linux.go sets TCP_NODELAY and keepalive options.
func TuneDial(network, address string, c syscall.RawConn) error {
	return nil
}

// TuneListen is a no-op on non-Linux platforms. The Linux-specific
// version in sockopt_linux.go sets SO_REUSEADDR.
func TuneListen(network, address string, c syscall.RawConn) error {
	return nil
}
