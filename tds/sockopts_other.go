//go:build !linux

package tds

import (
	"net"
	"time"
)

// tuneKeepalive enables TCP keepalive with the stdlib's coarser period
// control. The fine-grained TCP_KEEPIDLE/INTVL/CNT setsockopt tuning
// this frontend applies on Linux (see sockopts.go) isn't exposed the
// same way on other platforms; SetKeepAlivePeriod alone is close enough.
func tuneKeepalive(conn net.Conn, idleTimeout time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || idleTimeout <= 0 {
		return
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(idleTimeout)
}
