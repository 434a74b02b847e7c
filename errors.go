package ticketsync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes failures surfaced by the sync core.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// KindTransport is a network-level failure; it triggers reconnection.
	KindTransport
	// KindAuthenticationRejected is terminal for the current connection attempt.
	KindAuthenticationRejected
	// KindRoomJoinRejected removes the room from the desired set.
	KindRoomJoinRejected
	// KindSendFailed is a local precondition failure on an outbound event.
	KindSendFailed
	// KindMalformedEvent is an inbound payload that failed shape validation.
	KindMalformedEvent
	// KindConnectionFailed is reported once the reconnect budget is exhausted.
	KindConnectionFailed
	KindNotConnected
	KindClosed
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport_error"
	case KindAuthenticationRejected:
		return "authentication_rejected"
	case KindRoomJoinRejected:
		return "room_join_rejected"
	case KindSendFailed:
		return "send_failed"
	case KindMalformedEvent:
		return "malformed_event"
	case KindConnectionFailed:
		return "connection_failed"
	case KindNotConnected:
		return "not_connected"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is a structured error with a kind and context. Compare against the
// package sentinels with errors.Is; extract details with errors.As.
type Error struct {
	Kind   ErrorKind
	Op     string // event name or operation
	Room   string
	Reason string // server-supplied reason, if any
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ticketsync: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Room != "" {
		fmt.Fprintf(&b, " (room %s)", e.Room)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrTransport              = &Error{Kind: KindTransport}
	ErrAuthenticationRejected = &Error{Kind: KindAuthenticationRejected}
	ErrRoomJoinRejected       = &Error{Kind: KindRoomJoinRejected}
	ErrSendFailed             = &Error{Kind: KindSendFailed}
	ErrMalformedEvent         = &Error{Kind: KindMalformedEvent}
	ErrConnectionFailed       = &Error{Kind: KindConnectionFailed}
	ErrNotConnected           = &Error{Kind: KindNotConnected}
	ErrClosed                 = &Error{Kind: KindClosed}
)

var errOutboxFull = errors.New("outbound queue is full")

func sendFailed(op string, cause error) *Error {
	return &Error{Kind: KindSendFailed, Op: op, Err: cause}
}

func malformed(op, format string, args ...any) *Error {
	return &Error{Kind: KindMalformedEvent, Op: op, Err: fmt.Errorf(format, args...)}
}
