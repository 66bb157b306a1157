// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package flow

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPipe returns two connected *net.TCPConn, so CloseWrite/CloseRead (used
// by the tunnel's half-close propagation) are available like they would be
// on real client/upstream sockets.
func tcpPipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	server := <-accepted
	return client, server
}

func TestTunnelRelaysBothDirections(t *testing.T) {
	a, b := tcpPipe(t)

	done := make(chan struct{})
	go func() {
		Tunnel(a, b)
		close(done)
	}()

	a.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	b.Write([]byte("pong"))
	_, err = io.ReadFull(a, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	a.Close()
	b.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tunnel did not return after both ends closed")
	}
}

// TestServerUpgradeRequestTunnels drives spec.md §8 scenario 5 through the
// real server path: Server.handleClient must recognize the Upgrade request
// via isUpgradeRequest, build the upstream head's upgrade header set instead
// of the normal Content-Length set, and hand both legs to Tunnel rather than
// RelayResponse. The upgrade handshake response and everything after it
// travels as raw bytes over the tunnel, not through the HTTP response
// relay path.
func TestServerUpgradeRequestTunnels(t *testing.T) {
	uHost, uPort := startRawUpstream(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 4096)
		if _, err := c.Read(buf); err != nil {
			return
		}
		if _, err := c.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")); err != nil {
			return
		}
		io.Copy(c, c)
	})

	cfg := testPoolConfig()
	addr, _ := startTestServer(t, cfg, `{"ws.local": "`+uHost+":"+itoa(uPort)+`"}`)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ws HTTP/1.1\r\nHost: ws.local\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "101 Switching Protocols")

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	echoed := make([]byte, 5)
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	require.Equal(t, "hello", string(echoed))
}
