// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Upstream request construction and response relay. See spec §4.4.

package flow

import (
	"bytes"
	"net"
	"strconv"
	"strings"
)

// hopHeaders are never forwarded verbatim to the upstream: the proxy
// regenerates Host/Connection/Content-Length/Transfer-Encoding itself and
// the X-Forwarded-* trio reflects the client-facing view, not whatever the
// client happened to send.
var hopHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"proxy-connection":  true,
	"x-forwarded-for":   true,
	"x-forwarded-host":  true,
	"x-forwarded-proto": true,
	"content-length":    true,
	"transfer-encoding": true,
}

// BuildUpstreamHead renders the request line, forwarded headers, and
// (for non-upgrade requests) the body into the bytes to send upstream.
// hostHeader is the Host value the upstream expects; it is "localhost" when
// the target is loopback, since that's what a locally-bound dev server
// usually listens for (see spec §4.4).
func BuildUpstreamHead(req *Request, hostHeader string, upgrade bool) []byte {
	var out bytes.Buffer
	out.Grow(512 + len(req.Method) + len(req.Path) + len(req.Version) + len(req.Body))

	out.WriteString(req.Method)
	out.WriteByte(' ')
	out.WriteString(req.Path)
	out.WriteByte(' ')
	out.WriteString(req.Version)
	out.WriteString("\r\n")

	for _, h := range req.Headers {
		if hopHeaders[strings.ToLower(h.Name)] {
			continue
		}
		out.WriteString(h.Name)
		out.WriteString(": ")
		out.WriteString(h.Value)
		out.WriteString("\r\n")
	}

	out.WriteString("Host: ")
	out.WriteString(hostHeader)
	out.WriteString("\r\n")

	originalHost := hostHeader
	if h, ok := req.Header("host"); ok {
		originalHost = h
	}
	out.WriteString("X-Forwarded-Host: ")
	out.WriteString(originalHost)
	out.WriteString("\r\n")
	out.WriteString("X-Forwarded-Proto: http\r\n")

	if upgrade {
		upgradeHeader := "websocket"
		if h, ok := req.Header("upgrade"); ok {
			upgradeHeader = h
		}
		out.WriteString("Connection: Upgrade\r\n")
		out.WriteString("Upgrade: ")
		out.WriteString(upgradeHeader)
		out.WriteString("\r\n\r\n")
		return out.Bytes()
	}

	// The upstream leg is always kept alive from our side; the client leg's
	// keep-alive preference is handled independently in the handler loop.
	out.WriteString("Connection: keep-alive\r\n")
	out.WriteString("Content-Length: ")
	out.WriteString(strconv.Itoa(len(req.Body)))
	out.WriteString("\r\n\r\n")
	out.Write(req.Body)
	return out.Bytes()
}

// upstreamHostHeader returns "localhost" for a loopback upstream host, since
// that's what most locally-bound dev servers actually expect; otherwise it
// returns host unchanged.
func upstreamHostHeader(host string) string {
	if host == "127.0.0.1" || host == "::1" {
		return "localhost"
	}
	return host
}

// RelayOutcome reports whether each leg of a completed, non-upgrade exchange
// can carry another message.
type RelayOutcome struct {
	UpstreamReusable   bool
	ClientCanKeepAlive bool
}

// RelayResponse reads one response head from upstream, forwards it and its
// body to client, and returns whether either leg can be reused. See spec
// §4.4 and the body-framing rules in §4.2/§4.4.
func RelayResponse(upstream, client net.Conn, reqMethod string) (RelayOutcome, error) {
	buf, headEnd, err := readHeadFrom(upstream, nil)
	if err != nil {
		return RelayOutcome{}, err
	}
	rawHead := string(buf[:headEnd+4])
	meta, err := parseResponseHead(rawHead, reqMethod)
	if err != nil {
		return RelayOutcome{}, err
	}
	if _, err := client.Write(buf[:headEnd+4]); err != nil {
		return RelayOutcome{}, newErr(KindClientDisconnect, "failed to write response head to client")
	}

	bodyBuf := buf[headEnd+4:]

	if meta.NoBody {
		if len(bodyBuf) > 0 {
			// Protocol violation: a response classified no-body carried
			// bytes anyway. Forward them best-effort but never reuse.
			_, _ = client.Write(bodyBuf)
			return RelayOutcome{}, nil
		}
		reusable := !meta.ConnectionClose
		return RelayOutcome{UpstreamReusable: reusable, ClientCanKeepAlive: reusable}, nil
	}

	if meta.Chunked {
		complete := relayChunkedBody(upstream, client, bodyBuf)
		keepAlive := complete && !meta.ConnectionClose
		return RelayOutcome{UpstreamReusable: keepAlive, ClientCanKeepAlive: keepAlive}, nil
	}

	if meta.HasLength {
		ok := relayFixedLengthBody(upstream, client, bodyBuf, meta.ContentLength)
		keepAlive := ok && !meta.ConnectionClose
		return RelayOutcome{UpstreamReusable: keepAlive, ClientCanKeepAlive: keepAlive}, nil
	}

	// Unknown framing: relay until the upstream closes, then the socket is
	// spent either way.
	if len(bodyBuf) > 0 {
		if _, err := client.Write(bodyBuf); err != nil {
			return RelayOutcome{}, nil
		}
	}
	tmp := make([]byte, ioChunkSize)
	for {
		n, rerr := upstream.Read(tmp)
		if n > 0 {
			if _, werr := client.Write(tmp[:n]); werr != nil {
				return RelayOutcome{}, nil
			}
		}
		if rerr != nil {
			break
		}
	}
	return RelayOutcome{}, nil
}

// readHeadFrom accumulates from conn (starting with any already-buffered
// initial bytes) until the first \r\n\r\n, enforcing the same header cap as
// the client-facing reader.
func readHeadFrom(conn net.Conn, initial []byte) (buf []byte, headEnd int, err error) {
	buf = initial
	tmp := make([]byte, ioChunkSize)
	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return buf, idx, nil
		}
		if len(buf) > maxHeaderBytes {
			return nil, 0, newErr(KindUpstreamFraming, "response headers too large")
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil || n == 0 {
			return nil, 0, newErr(KindUpstreamFraming, "upstream closed before response head")
		}
	}
}

// relayFixedLengthBody copies exactly n bytes of body (starting with
// whatever's already in buf) from upstream to client. Any extra bytes
// beyond n observed on the wire is treated as a framing violation and the
// connection is not reused, matching the reference implementation.
func relayFixedLengthBody(upstream, client net.Conn, buf []byte, n int64) bool {
	sent := int64(0)
	if len(buf) > 0 {
		first := int64(len(buf))
		if first > n {
			first = n
		}
		if first > 0 {
			if _, err := client.Write(buf[:first]); err != nil {
				return false
			}
		}
		sent += first
		if int64(len(buf)) > n {
			return false
		}
	}

	tmp := make([]byte, ioChunkSize)
	for sent < n {
		rn, rerr := upstream.Read(tmp)
		if rn > 0 {
			toSend := int64(rn)
			if remain := n - sent; toSend > remain {
				toSend = remain
			}
			if _, werr := client.Write(tmp[:toSend]); werr != nil {
				return false
			}
			sent += toSend
			if int64(rn) > toSend {
				return false
			}
		}
		if rerr != nil || rn == 0 {
			return false
		}
	}
	return true
}

// relayChunkedBody streams a chunked body verbatim (size lines, chunk data,
// trailers) from upstream to client without re-encoding it, returning
// whether the terminating zero-chunk and trailer block were seen with no
// further bytes buffered after them.
func relayChunkedBody(upstream, client net.Conn, initial []byte) bool {
	buf := initial
	cursor := 0

	recvMore := func() bool {
		tmp := make([]byte, ioChunkSize)
		n, err := upstream.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		return err == nil && n > 0
	}

	for {
		lineEnd := indexFrom(buf, cursor, "\r\n")
		for lineEnd < 0 {
			if !recvMore() {
				return false
			}
			lineEnd = indexFrom(buf, cursor, "\r\n")
		}

		line := strings.TrimSpace(string(buf[cursor:lineEnd]))
		sizeStr := line
		if semi := strings.IndexByte(line, ';'); semi >= 0 {
			sizeStr = line[:semi]
		}
		chunkSize64, perr := strconv.ParseUint(strings.TrimSpace(sizeStr), 16, 64)
		if perr != nil {
			return false
		}
		chunkSize := int(chunkSize64)
		chunkPrefix := lineEnd + 2

		if chunkSize == 0 {
			// The size line itself can be forwarded as soon as it's read;
			// trailers (if any) are relayed one line at a time below so a
			// trailer-less terminator doesn't need the whole blank line
			// pre-buffered before anything is sent.
			if _, err := client.Write(buf[cursor:chunkPrefix]); err != nil {
				return false
			}
			cursor = chunkPrefix
			for {
				trailerLineEnd := indexFrom(buf, cursor, "\r\n")
				for trailerLineEnd < 0 {
					if !recvMore() {
						return false
					}
					trailerLineEnd = indexFrom(buf, cursor, "\r\n")
				}
				end := trailerLineEnd + 2
				if _, err := client.Write(buf[cursor:end]); err != nil {
					return false
				}
				blank := trailerLineEnd == cursor
				cursor = end
				if blank {
					return cursor == len(buf)
				}
			}
		}

		for len(buf) < chunkPrefix+chunkSize+2 {
			if !recvMore() {
				return false
			}
		}
		if string(buf[chunkPrefix+chunkSize:chunkPrefix+chunkSize+2]) != "\r\n" {
			return false
		}

		if _, err := client.Write(buf[cursor : chunkPrefix+chunkSize+2]); err != nil {
			return false
		}
		cursor = chunkPrefix + chunkSize + 2
	}
}
