// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Bidirectional byte pump for protocol-upgrade tunnels. See spec §4.5.

package flow

import (
	"net"
	"sync"
	"sync/atomic"
)

type halfCloser interface {
	CloseWrite() error
	CloseRead() error
}

// pump copies from src to dst until src is closed or done is set, then
// signals done and half-closes both ends so the peer's pump (running the
// other direction) unwinds too.
func pump(dst, src net.Conn, done *atomic.Bool) {
	buf := make([]byte, ioChunkSize)
	for !done.Load() {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}
	done.Store(true)
	shutdownQuiet(dst, false)
	shutdownQuiet(src, true)
}

func shutdownQuiet(c net.Conn, read bool) {
	hc, ok := underlyingHalfCloser(c)
	if !ok {
		return
	}
	if read {
		_ = hc.CloseRead()
	} else {
		_ = hc.CloseWrite()
	}
}

func underlyingHalfCloser(c net.Conn) (halfCloser, bool) {
	if tc, ok := c.(*timeoutConn); ok {
		c = tc.Conn
	}
	hc, ok := c.(halfCloser)
	return hc, ok
}

// Tunnel relays bytes in both directions between a and b until both sides
// are drained or closed, used for Upgrade (e.g. WebSocket) connections once
// the handshake has been forwarded. It returns once both directions finish.
func Tunnel(a, b net.Conn) {
	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump(a, b, &done)
	}()
	pump(b, a, &done)
	wg.Wait()
}
