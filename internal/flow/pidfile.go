// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package flow

import (
	"fmt"
	"os"
)

// WritePidfile truncates (or creates) path and writes the current process's
// PID to it, one line, per spec §6.
func WritePidfile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// RemovePidfile removes path, ignoring a missing file. Called on normal
// shutdown only; a crash leaves the pidfile behind, and the next start's
// WritePidfile truncates and overwrites it.
func RemovePidfile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
