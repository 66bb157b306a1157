// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// domainsd is a local HTTP/1.1 reverse proxy that routes by Host header to
// loopback upstreams declared in a routes file, reloaded without restart.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/diogin/domainsd/internal/flow"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := flow.ParseArgs("domainsd", os.Args[1:])
	if err != nil {
		return 2
	}

	if err := flow.WritePidfile(cfg.Pidfile); err != nil {
		fmt.Fprintf(os.Stderr, "domainsd: failed to write pidfile: %v\n", err)
		return 1
	}
	defer flow.RemovePidfile(cfg.Pidfile)

	log := flow.NewLogger()
	defer log.Sync()

	ln, err := listen(cfg)
	if err != nil {
		log.Error("failed to start listener", zap.Error(err))
		return 1
	}
	defer ln.Close()

	log.Info("domainsd listening", zap.String("addr", ln.Addr().String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		ln.Close()
	}()

	routes := flow.NewRouteTable(cfg.Routes)
	pool := flow.NewPool(cfg)
	defer pool.Close()

	server := flow.NewServer(cfg, log, routes, pool)
	if err := server.Serve(ln); err != nil {
		// Serve returns when Accept fails; that's expected once the signal
		// handler above closes ln for shutdown.
		return 0
	}
	return 0
}

func listen(cfg *flow.Config) (net.Listener, error) {
	if cfg.LaunchdSocket != "" {
		return flow.ListenActivated(cfg.LaunchdSocket)
	}
	return net.Listen("tcp", cfg.Listen)
}
