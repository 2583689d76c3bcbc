//go:build linux

package source

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	keepaliveIdle     = 10
	keepaliveInterval = 2
	keepaliveCount    = 3

	// the dialer must not override the options set below
	dialKeepAlive time.Duration = -1
)

// setKeepalive enables TCP keepalive with 10s idle, 2s interval and 3
// probes so a dead peer is noticed within about 16 seconds.
func setKeepalive(_, _ string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		opts := []struct{ level, name, value int }{
			{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
			{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepaliveIdle},
			{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveInterval},
			{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveCount},
		}
		for _, o := range opts {
			if sockErr = unix.SetsockoptInt(int(fd), o.level, o.name, o.value); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
