//go:build !linux

package source

import (
	"syscall"
	"time"
)

const dialKeepAlive = 10 * time.Second

// setKeepalive leaves keepalive to the dialer defaults.
func setKeepalive(_, _ string, _ syscall.RawConn) error {
	return nil
}
