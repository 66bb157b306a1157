// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Flat configuration surface. See spec §6.

package flow

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config holds every tunable the proxy accepts, flat, as spec §6 specifies.
type Config struct {
	Listen         string // host:port for the default listener
	Routes         string // path to the routes file
	Pidfile        string // path to the pidfile
	LaunchdSocket  string // opaque activation-socket name, optional

	MaxActiveClients int

	UpstreamConnectTimeout time.Duration
	UpstreamIOTimeout      time.Duration
	ClientIOTimeout        time.Duration

	PoolMaxIdlePerKey int
	PoolMaxIdleTotal  int
	PoolIdleTimeout   time.Duration
	PoolMaxAge        time.Duration
}

// Defaults per spec §6.
const (
	defaultListen                 = "127.0.0.1:80"
	defaultMaxActiveClients       = 128
	defaultUpstreamConnectTimeout = 10 * time.Second
	defaultUpstreamIOTimeout      = 15 * time.Second
	defaultClientIOTimeout        = 30 * time.Second
	defaultPoolMaxIdlePerKey      = 8
	defaultPoolMaxIdleTotal       = 256
	defaultPoolIdleTimeout        = 15 * time.Second
	defaultPoolMaxAge             = 120 * time.Second
)

// ParseArgs parses argv (excluding the program name) into a Config. On a
// usage or validation failure it returns an error; the caller maps that to
// exit code 2 per spec §6.
func ParseArgs(programName string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)

	cfg := &Config{}
	var maxActiveClients, poolMaxIdlePerKey, poolMaxIdleTotal int
	var upstreamConnectMs, upstreamIOMs, clientIOMs, poolIdleMs, poolMaxAgeMs int

	fs.StringVar(&cfg.Listen, "listen", defaultListen, "host:port for the default listener")
	fs.StringVar(&cfg.Routes, "routes", "", "path to the routes file (required)")
	fs.StringVar(&cfg.Pidfile, "pidfile", "", "path to the pidfile (required)")
	fs.StringVar(&cfg.LaunchdSocket, "launchd-socket", "", "activation socket name (macOS only)")
	fs.IntVar(&maxActiveClients, "max-active-clients", defaultMaxActiveClients, "max concurrently active clients")
	fs.IntVar(&upstreamConnectMs, "upstream-connect-timeout-ms", int(defaultUpstreamConnectTimeout/time.Millisecond), "upstream connect timeout, ms")
	fs.IntVar(&upstreamIOMs, "upstream-io-timeout-ms", int(defaultUpstreamIOTimeout/time.Millisecond), "upstream read/write timeout, ms")
	fs.IntVar(&clientIOMs, "client-io-timeout-ms", int(defaultClientIOTimeout/time.Millisecond), "client read/write timeout, ms")
	fs.IntVar(&poolMaxIdlePerKey, "pool-max-idle-per-key", defaultPoolMaxIdlePerKey, "max idle upstream conns per key")
	fs.IntVar(&poolMaxIdleTotal, "pool-max-idle-total", defaultPoolMaxIdleTotal, "max idle upstream conns, total")
	fs.IntVar(&poolIdleMs, "pool-idle-timeout-ms", int(defaultPoolIdleTimeout/time.Millisecond), "idle upstream conn timeout, ms")
	fs.IntVar(&poolMaxAgeMs, "pool-max-age-ms", int(defaultPoolMaxAge/time.Millisecond), "max upstream conn age, ms")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Routes == "" || cfg.Pidfile == "" {
		fs.Usage()
		return nil, errors.New("flow: --routes and --pidfile are required")
	}
	if maxActiveClients <= 0 {
		return nil, fmt.Errorf("flow: --max-active-clients must be > 0, got %d", maxActiveClients)
	}
	if upstreamConnectMs <= 0 || upstreamIOMs <= 0 || clientIOMs <= 0 {
		return nil, errors.New("flow: timeouts must be > 0")
	}
	if poolMaxIdlePerKey <= 0 || poolMaxIdleTotal <= 0 {
		return nil, errors.New("flow: pool caps must be > 0")
	}
	if poolIdleMs <= 0 || poolMaxAgeMs <= 0 {
		return nil, errors.New("flow: pool timeouts must be > 0")
	}

	// §6: pool_max_idle_total is silently raised to pool_max_idle_per_key if smaller.
	if poolMaxIdleTotal < poolMaxIdlePerKey {
		poolMaxIdleTotal = poolMaxIdlePerKey
	}

	cfg.MaxActiveClients = maxActiveClients
	cfg.UpstreamConnectTimeout = time.Duration(upstreamConnectMs) * time.Millisecond
	cfg.UpstreamIOTimeout = time.Duration(upstreamIOMs) * time.Millisecond
	cfg.ClientIOTimeout = time.Duration(clientIOMs) * time.Millisecond
	cfg.PoolMaxIdlePerKey = poolMaxIdlePerKey
	cfg.PoolMaxIdleTotal = poolMaxIdleTotal
	cfg.PoolIdleTimeout = time.Duration(poolIdleMs) * time.Millisecond
	cfg.PoolMaxAge = time.Duration(poolMaxAgeMs) * time.Millisecond

	return cfg, nil
}
