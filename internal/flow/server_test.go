// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package flow

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

func startRawUpstream(t *testing.T, handle func(net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func startTestServer(t *testing.T, cfg *Config, routesContents string) (addr string, srv *Server) {
	t.Helper()
	routesPath := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(routesPath, []byte(routesContents), 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	routes := NewRouteTable(routesPath)
	pool := NewPool(cfg)
	t.Cleanup(pool.Close)
	srv = NewServer(cfg, zap.NewNop(), routes, pool)

	go srv.Serve(ln)
	return ln.Addr().String(), srv
}

func TestServerRoutesByHost(t *testing.T) {
	uHost, uPort := startRawUpstream(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 4096)
		c.Read(buf)
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
	})

	cfg := testPoolConfig()
	addr, _ := startTestServer(t, cfg, `{"app.local": "`+uHost+":"+itoa(uPort)+`"}`)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: app.local\r\nConnection: close\r\n\r\n"))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestServerMissingRouteReturns404(t *testing.T) {
	cfg := testPoolConfig()
	addr, _ := startTestServer(t, cfg, `{"known.local": "127.0.0.1:1"}`)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: unknown.local\r\nConnection: close\r\n\r\n"))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}

func TestServerHealthEndpoint(t *testing.T) {
	cfg := testPoolConfig()
	addr, _ := startTestServer(t, cfg, `{}`)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("GET " + healthPath + " HTTP/1.1\r\nHost: anything\r\nConnection: close\r\n\r\n"))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get(identityHeaderName))
}

func TestServerOverloadRejection(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxActiveClients = 1

	routesPath := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(routesPath, []byte(`{}`), 0o644))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	pool := NewPool(cfg)
	defer pool.Close()
	srv := NewServer(cfg, zap.NewNop(), NewRouteTable(routesPath), pool)
	go srv.Serve(ln)

	// Hold the single admitted slot open with a connection that never sends
	// a request, then verify the second connection is fast-rejected.
	holder, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer holder.Close()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 503, resp.StatusCode)
}

func TestServerChunkedUpstreamBodyPassesThrough(t *testing.T) {
	uHost, uPort := startRawUpstream(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 4096)
		c.Read(buf)
		c.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
			"4\r\nWiki\r\n0\r\n\r\n"))
	})

	cfg := testPoolConfig()
	addr, _ := startTestServer(t, cfg, `{"chunked.local": "`+uHost+":"+itoa(uPort)+`"}`)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: chunked.local\r\nConnection: close\r\n\r\n"))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, []string{"chunked"}, resp.TransferEncoding)
}

// TestServerStalePooledConnectionRetriesOnce drives spec.md §8 scenario 6:
// a cached upstream connection dies silently between two requests on the
// same keep-alive client socket, the first write to it fails, and
// handleClient's retry-once branch (server.go:180-217) transparently opens
// a fresh upstream connection and relays the second response normally.
func TestServerStalePooledConnectionRetriesOnce(t *testing.T) {
	var upstreamHits atomic.Int32
	uHost, uPort := startRawUpstream(t, func(c net.Conn) {
		hit := upstreamHits.Add(1)
		buf := make([]byte, 4096)
		c.Read(buf)
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		if hit == 1 {
			// Force an RST rather than a graceful FIN, so the cached
			// connection's next write fails outright instead of
			// succeeding into a closed-but-not-yet-reset socket.
			if tc, ok := c.(*net.TCPConn); ok {
				tc.SetLinger(0)
			}
		}
		c.Close()
	})

	cfg := testPoolConfig()
	addr, _ := startTestServer(t, cfg, `{"stale.local": "`+uHost+":"+itoa(uPort)+`"}`)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: stale.local\r\n\r\n"))
	require.NoError(t, err)
	resp1, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp1.StatusCode)
	_, _ = io.Copy(io.Discard, resp1.Body)

	// Give the upstream's RST time to arrive before the cached connection
	// is reused for the second request.
	time.Sleep(100 * time.Millisecond)

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: stale.local\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	resp2, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp2.StatusCode)
	require.GreaterOrEqual(t, upstreamHits.Load(), int32(2))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
