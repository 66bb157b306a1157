// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build darwin

// Socket activation via a launchd-managed listening socket. See spec §6.

package flow

import (
	"fmt"
	"net"
	"os"
)

// activationFD is the descriptor launchd hands the process for a socket
// declared in its plist. A plain Go binary has no way to ask launchd for it
// by name without cgo against <launch.h>; the portable substitute is the
// same fd-inheritance convention systemd-style supervisors use: the socket
// is already open on fd 3 when the process starts under launchd.
const activationFD = 3

// ListenActivated adopts the listening socket launchd passed for socketName.
// socketName is accepted for parity with the reference daemon's flag but is
// otherwise unused: a single inherited fd is all a non-cgo process can see.
func ListenActivated(socketName string) (net.Listener, error) {
	if socketName == "" {
		return nil, fmt.Errorf("flow: empty launchd socket name")
	}
	f := os.NewFile(activationFD, "launchd-socket-"+socketName)
	if f == nil {
		return nil, fmt.Errorf("flow: no inherited socket for %q", socketName)
	}
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("flow: activate launchd socket %q: %w", socketName, err)
	}
	return ln, nil
}
