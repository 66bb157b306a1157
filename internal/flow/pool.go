// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Upstream Pool: keyed LIFO idle-connection pool with freshness and
// liveness validation. See spec §4.3.

package flow

import (
	"net"
	"sync"
	"time"
)

// PooledConn is an idle upstream socket plus its two timestamps. Owned
// exclusively by the Pool while idle.
type PooledConn struct {
	Conn      net.Conn
	CreatedAt time.Time
	LastUsed  time.Time
}

// Pool is a keyed LIFO pool of idle upstream sockets, one list per
// "host:port" key. All mutation of the lists and idleTotal happens under mu;
// connect and the acquire/release liveness probes happen outside it (the
// reap sweep in reapLocked probes under it).
type Pool struct {
	maxIdlePerKey int
	maxIdleTotal  int
	idleTimeout   time.Duration
	maxAge        time.Duration

	connectTimeout time.Duration
	ioTimeout      time.Duration

	mu        sync.Mutex
	byKey     map[string][]PooledConn
	idleTotal int
}

// NewPool builds a Pool from the Config's pool tunables.
func NewPool(cfg *Config) *Pool {
	return &Pool{
		maxIdlePerKey:  cfg.PoolMaxIdlePerKey,
		maxIdleTotal:   cfg.PoolMaxIdleTotal,
		idleTimeout:    cfg.PoolIdleTimeout,
		maxAge:         cfg.PoolMaxAge,
		connectTimeout: cfg.UpstreamConnectTimeout,
		ioTimeout:      cfg.UpstreamIOTimeout,
		byKey:          make(map[string][]PooledConn),
	}
}

// IdleTotal returns the current sum of idle-list sizes, for tests.
func (p *Pool) IdleTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTotal
}

// Acquire returns a usable connection to key (host:port), preferring a
// pooled one (LIFO, freshest-first eviction of stale entries) over opening a
// fresh one. On failure it returns nil and an error whose Kind is
// KindUpstreamConnectTimeout or KindUpstreamConnectFailure.
func (p *Pool) Acquire(key, host string, port int) (net.Conn, error) {
	now := time.Now()

	p.mu.Lock()
	p.reapLocked(now)
	conns := p.byKey[key]
	for len(conns) > 0 {
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		p.idleTotal--
		if !p.isFreshLocked(now, c) {
			p.mu.Unlock()
			_ = c.Conn.Close()
			p.mu.Lock()
			continue
		}
		// The liveness probe is network I/O: do it after the entry has
		// already been removed from the pool and the lock released, so one
		// slow/dead peer can't block every other acquire on this key.
		p.byKey[key] = conns
		p.mu.Unlock()
		if isIdleUsable(c.Conn) {
			return c.Conn, nil
		}
		_ = c.Conn.Close()
		p.mu.Lock()
		conns = p.byKey[key]
	}
	p.byKey[key] = conns
	p.mu.Unlock()

	conn, err := connectUpstream(host, port, p.connectTimeout, p.ioTimeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, &Error{Kind: KindUpstreamConnectTimeout, Err: err}
		}
		return nil, &Error{Kind: KindUpstreamConnectFailure, Err: err}
	}
	return conn, nil
}

// Release returns fd to the pool if it passes the liveness probe and the
// caps allow it; otherwise it closes fd. See spec §4.3.
func (p *Pool) Release(key string, conn net.Conn) {
	if conn == nil {
		return
	}
	if !isIdleUsable(conn) {
		_ = conn.Close()
		return
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked(now)

	if p.idleTotal >= p.maxIdleTotal {
		p.mu.Unlock()
		_ = conn.Close()
		p.mu.Lock()
		return
	}
	conns := p.byKey[key]
	if len(conns) >= p.maxIdlePerKey {
		p.mu.Unlock()
		_ = conn.Close()
		p.mu.Lock()
		return
	}
	p.byKey[key] = append(conns, PooledConn{Conn: conn, CreatedAt: now, LastUsed: now})
	p.idleTotal++
}

// Discard closes fd unconditionally, without touching the pool.
func (p *Pool) Discard(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *Pool) isFreshLocked(now time.Time, c PooledConn) bool {
	if now.Sub(c.LastUsed) > p.idleTimeout {
		return false
	}
	if now.Sub(c.CreatedAt) > p.maxAge {
		return false
	}
	return true
}

// reapLocked evicts over-age, over-idle, or dead entries from every key's
// idle list, removing keys left empty. Caller holds mu. The liveness probe
// here happens under the lock deliberately: reap is a best-effort sweep
// bounded by the (small) idle-list sizes, not a per-acquire hot path.
func (p *Pool) reapLocked(now time.Time) {
	for key, conns := range p.byKey {
		write := 0
		for _, c := range conns {
			if !p.isFreshLocked(now, c) || !isIdleUsable(c.Conn) {
				_ = c.Conn.Close()
				p.idleTotal--
				continue
			}
			conns[write] = c
			write++
		}
		conns = conns[:write]
		if len(conns) == 0 {
			delete(p.byKey, key)
		} else {
			p.byKey[key] = conns
		}
	}
}

// Close closes every idle connection. Used at shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.byKey {
		for _, c := range conns {
			_ = c.Conn.Close()
		}
	}
	p.byKey = make(map[string][]PooledConn)
	p.idleTotal = 0
}
