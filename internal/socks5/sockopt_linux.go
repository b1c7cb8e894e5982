//go:build linux

package socks5

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocketOptions is installed as net.ListenConfig.Control. It sets
// SO_REUSEADDR unconditionally (fast restart across listener churn) and,
// when dualStack is non-nil, pins IPV6_V6ONLY to the requested tri-state
// instead of leaving it at the OS default.
func controlSocketOptions(dualStack *bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sysErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				sysErr = e
				return
			}

			if dualStack == nil || network != "tcp6" && network != "udp6" {
				return
			}
			// dual_stack: true means V6ONLY=0 (accept v4-mapped on the v6
			// socket); dual_stack: false means V6ONLY=1 (v6 only).
			v6only := 1
			if *dualStack {
				v6only = 0
			}
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); e != nil {
				sysErr = e
				return
			}
		})
		if err != nil {
			return err
		}
		return sysErr
	}
}
