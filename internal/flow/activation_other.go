// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build !darwin

package flow

import (
	"fmt"
	"net"
)

// ListenActivated always fails on non-Darwin platforms: launchd socket
// activation is macOS-only, per spec §6.
func ListenActivated(socketName string) (net.Listener, error) {
	return nil, fmt.Errorf("flow: --launchd-socket is only supported on macOS")
}
