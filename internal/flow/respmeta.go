// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Upstream response head parsing and framing classification. See spec §4.4.

package flow

import (
	"strconv"
	"strings"
)

// ResponseMeta is the framing-relevant subset of an upstream's response
// head: enough to decide how to relay the body and whether the upstream
// socket is still reusable afterward.
type ResponseMeta struct {
	StatusCode      int
	Chunked         bool
	ConnectionClose bool
	NoBody          bool
	ContentLength   int64
	HasLength       bool
}

// parseResponseHead parses rawHead (the upstream's status line plus header
// block, including the terminating blank line) into a ResponseMeta.
// reqMethod decides no-body status per spec §4.4: HEAD, 1xx other than 101,
// 204, and 304 never carry a body regardless of what Content-Length or
// Transfer-Encoding claim.
func parseResponseHead(rawHead, reqMethod string) (ResponseMeta, error) {
	var meta ResponseMeta

	lines := strings.Split(rawHead, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return meta, newErr(KindUpstreamFraming, "empty response head")
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return meta, newErr(KindUpstreamFraming, "invalid status line")
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return meta, newErr(KindUpstreamFraming, "invalid status code")
	}
	meta.StatusCode = status

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		pos := strings.IndexByte(line, ':')
		if pos < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:pos]))
		val := strings.ToLower(strings.TrimSpace(line[pos+1:]))
		switch {
		case key == "transfer-encoding" && strings.Contains(val, "chunked"):
			meta.Chunked = true
		case key == "content-length":
			n, perr := strconv.ParseInt(val, 10, 64)
			if perr != nil {
				return meta, newErr(KindUpstreamFraming, "invalid content-length")
			}
			meta.ContentLength = n
			meta.HasLength = true
		case key == "connection" && strings.Contains(val, "close"):
			meta.ConnectionClose = true
		}
	}

	method := strings.ToLower(reqMethod)
	informational := status >= 100 && status < 200 && status != 101
	meta.NoBody = method == "head" || informational || status == 204 || status == 304
	if meta.NoBody {
		meta.Chunked = false
		meta.ContentLength = 0
		meta.HasLength = true
	}
	return meta, nil
}
