// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Low-level socket helpers: per-call I/O deadlines, connect-with-timeout,
// and the pool's liveness probe. See spec §4.3 and §5.

package flow

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// timeoutConn applies a fixed read/write deadline before every Read/Write,
// giving net.Conn the same per-call timeout semantics as SO_RCVTIMEO /
// SO_SNDTIMEO on the raw socket (which is what the reference implementation
// uses and Go's net package does not expose directly).
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func withTimeout(c net.Conn, timeout time.Duration) net.Conn {
	return &timeoutConn{Conn: c, timeout: timeout}
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// connectUpstream dials host:port with a bounded connect timeout, then
// enables TCP_NODELAY and keepalive and wraps the result with the
// configured upstream I/O timeout. The returned error is distinguishable as
// a timeout via its net.Error Timeout() method so the caller can choose
// between 504 and 502.
func connectUpstream(host string, port int, connectTimeout, ioTimeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	addr := net.JoinHostPort(host, portString(port))
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	return withTimeout(conn, ioTimeout), nil
}

func portString(port int) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}

// rawConnOf unwraps a timeoutConn (if any) down to the underlying *net.TCPConn
// so we can reach its syscall.RawConn for the liveness probe.
func rawConnOf(c net.Conn) *net.TCPConn {
	if tc, ok := c.(*timeoutConn); ok {
		c = tc.Conn
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		return tcp
	}
	return nil
}

// isIdleUsable performs the pool's liveness probe: a non-blocking one-byte
// peek. EOF (0 bytes) or any already-readable byte means the socket is not
// at a clean boundary and must not be reused; EAGAIN means it's idle and
// usable. See spec §4.3.
func isIdleUsable(c net.Conn) bool {
	tcp := rawConnOf(c)
	if tcp == nil {
		return false
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return false
	}

	usable := false
	probeErr := raw.Read(func(fd uintptr) bool {
		var b [1]byte
		n, _, err := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			usable = true
		case err != nil:
			usable = false
		case n == 0:
			usable = false // EOF
		default:
			usable = false // pending bytes: not a clean boundary
		}
		return true
	})
	if probeErr != nil {
		return false
	}
	return usable
}
