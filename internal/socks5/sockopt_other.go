//go:build !linux

package socks5

import "syscall"

// controlSocketOptions is a no-op on non-Linux platforms; the Linux build
// in sockopt_linux.go sets SO_REUSEADDR and pins IPV6_V6ONLY.
func controlSocketOptions(dualStack *bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return nil
	}
}
