// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package flow

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startEchoUpstream(t *testing.T) (host string, port int) {
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
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func testPoolConfig() *Config {
	return &Config{
		MaxActiveClients:       128,
		UpstreamConnectTimeout: 2 * time.Second,
		UpstreamIOTimeout:      2 * time.Second,
		ClientIOTimeout:        2 * time.Second,
		PoolMaxIdlePerKey:      2,
		PoolMaxIdleTotal:       4,
		PoolIdleTimeout:        time.Minute,
		PoolMaxAge:             time.Minute,
	}
}

func TestPoolAcquireConnectsFreshWhenEmpty(t *testing.T) {
	host, port := startEchoUpstream(t)
	pool := NewPool(testPoolConfig())
	key := "upstream"

	conn, err := pool.Acquire(key, host, port)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 0, pool.IdleTotal())
	conn.Close()
}

func TestPoolReleaseThenAcquireReuses(t *testing.T) {
	host, port := startEchoUpstream(t)
	pool := NewPool(testPoolConfig())
	key := "upstream"

	conn, err := pool.Acquire(key, host, port)
	require.NoError(t, err)

	pool.Release(key, conn)
	require.Equal(t, 1, pool.IdleTotal())

	reused, err := pool.Acquire(key, host, port)
	require.NoError(t, err)
	require.Equal(t, 0, pool.IdleTotal())
	reused.Close()
}

func TestPoolEnforcesPerKeyCap(t *testing.T) {
	host, port := startEchoUpstream(t)
	pool := NewPool(testPoolConfig())
	key := "upstream"

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := pool.Acquire(key, host, port)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		pool.Release(key, c)
	}
	// cap is 2 per key; the third release should have been closed, not pooled.
	require.Equal(t, 2, pool.IdleTotal())
}

func TestPoolDiscardDoesNotPool(t *testing.T) {
	host, port := startEchoUpstream(t)
	pool := NewPool(testPoolConfig())
	key := "upstream"

	conn, err := pool.Acquire(key, host, port)
	require.NoError(t, err)
	pool.Discard(conn)
	require.Equal(t, 0, pool.IdleTotal())
}

func TestPoolAcquireConnectFailureIsUpstreamFailureKind(t *testing.T) {
	pool := NewPool(testPoolConfig())
	// Port 1 is reserved and should be refused immediately on loopback.
	_, err := pool.Acquire("dead", "127.0.0.1", 1)
	require.Error(t, err)
	require.Equal(t, KindUpstreamConnectFailure, KindOf(err))
}
