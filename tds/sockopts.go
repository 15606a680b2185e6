//go:build linux

package tds

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	tcpKeepIdleOpt  = unix.TCP_KEEPIDLE
	tcpKeepIntvlOpt = unix.TCP_KEEPINTVL
	tcpKeepCntOpt   = unix.TCP_KEEPCNT
)

// tuneKeepalive enables TCP keepalive on conn and sets the probe
// interval/count directly via setsockopt, finer-grained than the
// net.TCPConn.SetKeepAlivePeriod stdlib API (which only controls the
// idle-before-first-probe timer on most platforms). A session that goes
// quiet for idleTimeout without any TDS-level traffic is far more likely
// to be a dead client than a slow query, so probes are kept short and
// few: a wedged half-open connection should free its SPID promptly.
func tuneKeepalive(conn net.Conn, idleTimeout time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || idleTimeout <= 0 {
		return
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(idleTimeout)

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	idleSecs := int(idleTimeout.Seconds())
	if idleSecs < 1 {
		idleSecs = 1
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, tcpKeepIdleOpt, idleSecs)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, tcpKeepIntvlOpt, 5)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, tcpKeepCntOpt, 3)
	})
}
