// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Error taxonomy for the forwarding engine. See spec §7.

package flow

import "errors"

// Kind classifies a failure so the handler knows which status code, if any,
// to write and whether the connection can still carry another response.
type Kind int

const (
	// KindNone marks success or "nothing to report".
	KindNone Kind = iota
	// KindClientParse is a malformed request: bad request line, oversized
	// headers, invalid content-length, invalid chunk framing.
	KindClientParse
	// KindClientDisconnect is EOF/reset on the client socket between
	// messages; the session ends silently, no response is attempted.
	KindClientDisconnect
	// KindRouteMiss is a well-formed but unknown Host.
	KindRouteMiss
	// KindRouteInvalid is a route target that doesn't parse as host:port.
	KindRouteInvalid
	// KindUpstreamConnectTimeout is a connect() that exceeded the budget.
	KindUpstreamConnectTimeout
	// KindUpstreamConnectFailure is any other connect failure.
	KindUpstreamConnectFailure
	// KindUpstreamWrite is a failed send to the upstream.
	KindUpstreamWrite
	// KindUpstreamFraming is a malformed response head or chunk violation.
	KindUpstreamFraming
)

// Error wraps an underlying cause with a Kind so callers can switch on it
// without string-matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "flow: error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// KindOf extracts the Kind from err, or KindNone if err isn't a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
