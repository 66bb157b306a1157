// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package flow

import "fmt"

const healthPath = "/_flow/domains/health"

// identityHeaderName and identityHeaderValue mark every response this proxy
// writes, including error responses, so a client can tell it was handled by
// this daemon rather than by the upstream directly.
const (
	identityHeaderName  = "X-Flow-Domainsd"
	identityHeaderValue = "1"
)

// healthBody renders the plain-text counters body for healthPath.
func (s *Server) healthBody() string {
	return fmt.Sprintf(
		"ok active_clients=%d overload_rejections=%d max_active_clients=%d "+
			"upstream_connect_timeout_ms=%d upstream_io_timeout_ms=%d client_io_timeout_ms=%d "+
			"pool_max_idle_per_key=%d pool_max_idle_total=%d pool_idle_timeout_ms=%d pool_max_age_ms=%d\n",
		s.activeClients.Load(),
		s.overloadRejections.Load(),
		s.cfg.MaxActiveClients,
		s.cfg.UpstreamConnectTimeout.Milliseconds(),
		s.cfg.UpstreamIOTimeout.Milliseconds(),
		s.cfg.ClientIOTimeout.Milliseconds(),
		s.cfg.PoolMaxIdlePerKey,
		s.cfg.PoolMaxIdleTotal,
		s.cfg.PoolIdleTimeout.Milliseconds(),
		s.cfg.PoolMaxAge.Milliseconds(),
	)
}
