// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Accept loop, admission control, and the per-client forwarding state
// machine. See spec §4, §5.

package flow

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Server owns the listener, the route table, the upstream pool, and the
// admission counters shared by every accepted connection.
type Server struct {
	cfg    *Config
	log    *zap.Logger
	routes *RouteTable
	pool   *Pool

	activeClients      atomic.Int64
	overloadRejections atomic.Uint64
}

// NewServer wires a Server from its already-validated dependencies.
func NewServer(cfg *Config, log *zap.Logger, routes *RouteTable, pool *Pool) *Server {
	return &Server{cfg: cfg, log: log, routes: routes, pool: pool}
}

// Serve accepts connections on ln until it is closed, dispatching each to
// its own goroutine. It returns once Accept fails (typically because ln was
// closed for shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.log.Info("client accepted", zap.String("remote", conn.RemoteAddr().String()))
		timed := withTimeout(conn, s.cfg.ClientIOTimeout)

		if !s.tryAcquireSlot() {
			s.log.Warn("admission rejected", zap.String("remote", conn.RemoteAddr().String()),
				zap.Int64("active_clients", s.activeClients.Load()),
				zap.Int("max_active_clients", s.cfg.MaxActiveClients))
			writeSimpleResponse(timed, 503, "Service Unavailable", "Proxy overloaded, retry shortly\n")
			_ = timed.Close()
			continue
		}

		go func() {
			defer s.releaseSlot()
			defer timed.Close()
			s.handleClient(timed)
		}()
	}
}

func (s *Server) tryAcquireSlot() bool {
	n := s.activeClients.Add(1)
	if n > int64(s.cfg.MaxActiveClients) {
		s.activeClients.Sub(1)
		s.overloadRejections.Add(1)
		return false
	}
	return true
}

func (s *Server) releaseSlot() {
	s.activeClients.Sub(1)
}

// clientSession tracks the one upstream connection a client socket may keep
// cached across pipelined requests, distinct from the shared Pool.
type clientSession struct {
	conn net.Conn
	key  string
}

func (s *Server) handleClient(conn net.Conn) {
	var pending []byte
	var cached clientSession

	discardCached := func() {
		if cached.conn != nil {
			s.pool.Discard(cached.conn)
			cached = clientSession{}
		}
	}
	_ = discardCached
	releaseCached := func() {
		if cached.conn != nil {
			s.pool.Release(cached.key, cached.conn)
			cached = clientSession{}
		}
	}
	defer releaseCached()

	for {
		req, leftover, err := ReadRequest(conn, pending)
		if err != nil {
			if kind := KindOf(err); kind == KindClientParse {
				writeSimpleResponse(conn, 400, "Bad Request", err.Error()+"\n")
			}
			return
		}
		pending = leftover

		if req.Path == healthPath {
			s.writeHealth(conn, req)
			if !req.ClientWantsKeepAlive {
				return
			}
			continue
		}

		if req.NormalizedHost == "" {
			writeSimpleResponse(conn, 400, "Bad Request", "Missing Host header\n")
			return
		}

		target, ok := s.routes.Lookup(req.NormalizedHost)
		if !ok {
			s.log.Warn("route miss", zap.String("host", req.NormalizedHost))
			writeSimpleResponse(conn, 404, "Not Found",
				fmt.Sprintf("No local route configured for %s\n", req.NormalizedHost))
			return
		}

		upstreamHost, upstreamPort, perr := parseHostPort(target)
		if perr != nil {
			writeSimpleResponse(conn, 502, "Bad Gateway", "Invalid target route\n")
			return
		}

		upgrade := isUpgradeRequest(req)
		upstreamKey := upstreamHost + ":" + strconv.Itoa(upstreamPort)
		if upgrade {
			releaseCached()
		}

		var upstream net.Conn
		usedCached := false
		var acquireErr error
		if !upgrade && cached.conn != nil && cached.key == upstreamKey {
			upstream = cached.conn
			usedCached = true
		} else {
			if !upgrade {
				releaseCached()
			}
			if upgrade {
				upstream, acquireErr = connectUpstream(upstreamHost, upstreamPort, s.cfg.UpstreamConnectTimeout, s.cfg.UpstreamIOTimeout)
			} else {
				upstream, acquireErr = s.pool.Acquire(upstreamKey, upstreamHost, upstreamPort)
			}
		}

		if acquireErr != nil {
			s.log.Warn("upstream connect failed", zap.String("host", req.NormalizedHost),
				zap.String("upstream", upstreamKey), zap.Error(acquireErr))
			if KindOf(acquireErr) == KindUpstreamConnectTimeout {
				writeSimpleResponse(conn, 504, "Gateway Timeout", "Upstream connect timed out\n")
			} else {
				writeSimpleResponse(conn, 502, "Bad Gateway", "Upstream connection failed\n")
			}
			return
		}

		hostHeader := upstreamHostHeader(upstreamHost)
		upstreamHead := BuildUpstreamHead(req, hostHeader, upgrade)

		if _, werr := upstream.Write(upstreamHead); werr != nil {
			s.log.Warn("upstream write failed", zap.String("host", req.NormalizedHost),
				zap.String("upstream", upstreamKey), zap.Bool("cached", usedCached), zap.Error(werr))
			// A cached keepalive socket can die silently between requests;
			// its first write is where that surfaces. Retry once on a
			// socket newly acquired from the pool before giving up.
			if !upgrade && usedCached {
				s.pool.Discard(upstream)
				upstream, acquireErr = s.pool.Acquire(upstreamKey, upstreamHost, upstreamPort)
				if acquireErr == nil {
					if _, werr2 := upstream.Write(upstreamHead); werr2 == nil {
						usedCached = false
						s.log.Info("upstream write retry succeeded", zap.String("host", req.NormalizedHost),
							zap.String("upstream", upstreamKey))
					} else {
						s.log.Warn("upstream write retry failed", zap.String("host", req.NormalizedHost),
							zap.String("upstream", upstreamKey), zap.Error(werr2))
						s.pool.Discard(upstream)
						upstream = nil
					}
				} else {
					s.log.Warn("upstream reconnect after stale write failed", zap.String("host", req.NormalizedHost),
						zap.String("upstream", upstreamKey), zap.Error(acquireErr))
					upstream = nil
				}
			} else if upgrade {
				_ = upstream.Close()
				upstream = nil
			} else {
				s.pool.Discard(upstream)
				upstream = nil
			}

			if upstream == nil {
				writeSimpleResponse(conn, 502, "Bad Gateway", "Failed to forward request\n")
				return
			}
		}

		if upgrade {
			if len(req.Leftover) > 0 {
				if _, werr := upstream.Write(req.Leftover); werr != nil {
					s.log.Warn("upstream write failed", zap.String("host", req.NormalizedHost),
						zap.String("upstream", upstreamKey), zap.Error(werr))
					_ = upstream.Close()
					return
				}
			}
			s.log.Info("tunnel start", zap.String("host", req.NormalizedHost), zap.String("upstream", upstreamKey))
			Tunnel(conn, upstream)
			s.log.Info("tunnel end", zap.String("host", req.NormalizedHost), zap.String("upstream", upstreamKey))
			_ = upstream.Close()
			return
		}

		outcome, rerr := RelayResponse(upstream, conn, req.Method)
		if rerr != nil {
			s.log.Debug("relay failed", zap.Error(rerr), zap.String("host", req.NormalizedHost))
		}
		if outcome.UpstreamReusable {
			cached = clientSession{conn: upstream, key: upstreamKey}
		} else {
			s.pool.Discard(upstream)
			if usedCached {
				cached = clientSession{}
			}
		}

		if !(req.ClientWantsKeepAlive && outcome.ClientCanKeepAlive) {
			return
		}
	}
}

func (s *Server) writeHealth(conn net.Conn, req *Request) {
	body := s.healthBody()
	connectionValue := "close"
	if req.ClientWantsKeepAlive {
		connectionValue = "keep-alive"
	}
	head := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n%s: %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: %s\r\n\r\n",
		identityHeaderName, identityHeaderValue, len(body), connectionValue)
	_, _ = conn.Write([]byte(head + body))
}

// writeSimpleResponse writes a one-shot, non-keepalive plain-text response;
// used for every error path, which always closes the connection afterward.
func writeSimpleResponse(conn net.Conn, status int, reason, body string) {
	head := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\n%s: %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, reason, identityHeaderName, identityHeaderValue, len(body))
	_, _ = conn.Write([]byte(head + body))
}

// isUpgradeRequest reports whether req carries Connection: Upgrade with an
// Upgrade header naming a protocol, per spec §4.4.
func isUpgradeRequest(req *Request) bool {
	if _, ok := req.Header("upgrade"); !ok {
		return false
	}
	conn, ok := req.Header("connection")
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(conn), "upgrade")
}

// parseHostPort splits a "host:port" route target, validating that port is
// in range. It uses the last colon so IPv6 literals without brackets still
// split on their final, true port separator (matching the reference parser).
func parseHostPort(target string) (host string, port int, err error) {
	idx := strings.LastIndexByte(target, ':')
	if idx <= 0 || idx+1 >= len(target) {
		return "", 0, newErr(KindRouteInvalid, "route target missing host:port")
	}
	host = target[:idx]
	n, perr := strconv.Atoi(target[idx+1:])
	if perr != nil || n < 1 || n > 65535 {
		return "", 0, newErr(KindRouteInvalid, "route target has invalid port")
	}
	return host, n, nil
}
