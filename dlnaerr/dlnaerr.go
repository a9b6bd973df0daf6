// Package dlnaerr implements the error taxonomy of spec.md §7 as distinct,
// wrappable error types so callers can branch with errors.As instead of
// string-matching, the way the teacher wraps with fmt.Errorf("...: %w", err)
// but gives the reader (and errors.As) a type to dispatch on.
package dlnaerr

import "fmt"

// Kind identifies which row of the spec.md §7 taxonomy an error belongs to.
type Kind string

const (
	// KindConfig: e.g. base URL unresolved, no services defined. Returned at
	// start; startup aborts.
	KindConfig Kind = "config"
	// KindTransport: UDP send failure, socket bind failure on a non-primary
	// interface. Logged; non-fatal unless it is the primary bind.
	KindTransport Kind = "transport"
	// KindTimeout: HTTP/SUBSCRIBE response deadline exceeded.
	KindTimeout Kind = "timeout"
	// KindProtocol: malformed SSDP/HTTP/SOAP/XML. Current datagram or
	// response is dropped; the loop continues.
	KindProtocol Kind = "protocol"
	// KindPeerRejection: SOAP Fault or non-200 from a remote device.
	KindPeerRejection Kind = "peer_rejection"
	// KindState: subscribe while Unsubscribing, add service after start.
	KindState Kind = "state"
)

// Error is the common shape for every taxonomy member.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "device.Start", "gena.Subscribe"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, dlnaerr.Timeout("", nil)) work by comparing Kind, not
// just identity, since most call sites care "was this a timeout" rather
// than "was this this exact *Error value".
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op string, err error) *Error    { return newErr(KindConfig, op, err) }
func Transport(op string, err error) *Error { return newErr(KindTransport, op, err) }
func Timeout(op string, err error) *Error   { return newErr(KindTimeout, op, err) }
func Protocol(op string, err error) *Error  { return newErr(KindProtocol, op, err) }
func State(op string, err error) *Error     { return newErr(KindState, op, err) }

// PeerRejection generalizes the teacher's UPnPError (server/sonos_cast/errors.go):
// a SOAP Fault or non-200 response carries a numeric UPnP error code plus a
// human-readable description.
type PeerRejection struct {
	Op          string
	Code        int
	Description string
}

func (e *PeerRejection) Error() string {
	return fmt.Sprintf("%s: upnp error %d: %s", e.Op, e.Code, e.Description)
}

func (e *PeerRejection) Is(target error) bool {
	_, ok := target.(*PeerRejection)
	return ok
}

func NewPeerRejection(op string, code int, description string) *PeerRejection {
	return &PeerRejection{Op: op, Code: code, Description: description}
}

// ErrStaleSID is returned by gena.Manager.Renew once consecutive renewal
// failures (of any cause: transport error, timeout or non-200 reply) reach
// gena.MaxNotifyRetries; the subscription has then been reset to
// Unsubscribed with its SID cleared — recovered from
// original_source/src/UPnP/UPnP.cpp's subscription bookkeeping (see
// SPEC_FULL.md §12); the host must re-subscribe from scratch.
var ErrStaleSID = State("gena.Renew", fmt.Errorf("remote SID no longer recognized"))
