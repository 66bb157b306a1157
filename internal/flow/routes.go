// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Route Table: host -> upstream host:port, lazily reloaded from a file. See spec §4.1.

package flow

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

const routeReloadCheckInterval = 100 * time.Millisecond

// pairPattern matches `"key":"value"` pairs anywhere in the routes file,
// with arbitrary whitespace around the colon and no escape processing.
// This is the same pattern the reference native daemon scans with.
var pairPattern = regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]*)"`)

// RouteTable is a thread-safe, lazily-reloaded host -> target map.
type RouteTable struct {
	path string

	mu       sync.Mutex
	routes   map[string]string
	mtime    time.Time
	loaded   bool
	lastScan time.Time
}

// NewRouteTable returns a table that reads path on first lookup and
// thereafter whenever its mtime changes, checked at most every 100ms.
func NewRouteTable(path string) *RouteTable {
	return &RouteTable{path: path}
}

// Lookup returns the upstream target for host (case-insensitive, no port),
// or ok=false if there is no route for it.
func (t *RouteTable) Lookup(host string) (target string, ok bool) {
	t.reloadIfNeeded()

	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok = t.routes[strings.ToLower(host)]
	return target, ok
}

// Size returns the current number of entries.
func (t *RouteTable) Size() int {
	t.reloadIfNeeded()

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

func (t *RouteTable) reloadIfNeeded() {
	now := time.Now()

	t.mu.Lock()
	if now.Sub(t.lastScan) < routeReloadCheckInterval {
		t.mu.Unlock()
		return
	}
	t.lastScan = now
	t.mu.Unlock()

	info, err := os.Stat(t.path)
	if err != nil {
		// Stat failure is silent: the previous map remains authoritative.
		return
	}
	mtime := info.ModTime()

	t.mu.Lock()
	unchanged := t.loaded && mtime.Equal(t.mtime)
	t.mu.Unlock()
	if unchanged {
		return
	}

	raw, err := os.ReadFile(t.path)
	if err != nil {
		// Read failure is silent too.
		return
	}

	parsed := make(map[string]string)
	for _, m := range pairPattern.FindAllStringSubmatch(string(raw), -1) {
		host := strings.ToLower(m[1])
		value := strings.TrimSpace(m[2])
		if host == "" || value == "" {
			continue
		}
		parsed[host] = value
	}

	t.mu.Lock()
	t.routes = parsed
	t.mtime = mtime
	t.loaded = true
	t.mu.Unlock()
}
