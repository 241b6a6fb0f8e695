package streamquery

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrorKind enumerates the error taxonomy visible to the application, per
// the session protocol's error handling design. Every session-level error
// is surfaced as exactly one SessionFailed event; none are retried locally.
type ErrorKind int

const (
	// ErrTimeout means a substream upgrade did not complete within
	// substream_timeout.
	ErrTimeout ErrorKind = iota
	// ErrIO means a framing, decode, or transport error occurred during a
	// session.
	ErrIO
	// ErrRemoteUnsupported means the remote peer does not advertise the
	// configured protocol name.
	ErrRemoteUnsupported
	// ErrConnectionClosed means the underlying connection vanished while a
	// session was live. Only ever produced by Behaviour, never by a
	// ConnectionHandler in isolation.
	ErrConnectionClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrIO:
		return "io"
	case ErrRemoteUnsupported:
		return "remote_doesnt_support_protocol"
	case ErrConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

// HandlerError is the error taxonomy as seen from inside a ConnectionHandler.
// It never carries ErrConnectionClosed: a handler has no notion of its own
// connection dropping out from under it, only the Behaviour does.
type HandlerError struct {
	Kind ErrorKind

	// ProtocolName is set when Kind == ErrRemoteUnsupported.
	ProtocolName string
	// SubstreamTimeout is set when Kind == ErrTimeout.
	SubstreamTimeout time.Duration
	// Cause wraps the underlying I/O error when Kind == ErrIO.
	Cause error
}

func (e *HandlerError) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("substream negotiation timed out after %s", e.SubstreamTimeout)
	case ErrIO:
		return errors.Wrap(e.Cause, "session io error").Error()
	case ErrRemoteUnsupported:
		return fmt.Sprintf("remote does not support protocol %q", e.ProtocolName)
	default:
		return e.Kind.String()
	}
}

func (e *HandlerError) Unwrap() error { return e.Cause }

func timeoutError(d time.Duration) *HandlerError {
	return &HandlerError{Kind: ErrTimeout, SubstreamTimeout: d}
}

func ioError(cause error) *HandlerError {
	return &HandlerError{Kind: ErrIO, Cause: errors.WithStack(cause)}
}

func remoteUnsupportedError(protocolName string) *HandlerError {
	return &HandlerError{Kind: ErrRemoteUnsupported, ProtocolName: protocolName}
}

// BehaviourError is the wider error taxonomy Behaviour re-emits upward: a
// HandlerError plus the connection-level ErrConnectionClosed case, which
// only the Behaviour can observe (it alone tracks which connections are
// live for a peer).
type BehaviourError struct {
	Kind ErrorKind

	ProtocolName     string
	SubstreamTimeout time.Duration
	Cause            error
}

func (e *BehaviourError) Error() string {
	if e.Kind == ErrConnectionClosed {
		return "connection closed while session was live"
	}
	h := HandlerError{
		Kind:             e.Kind,
		ProtocolName:     e.ProtocolName,
		SubstreamTimeout: e.SubstreamTimeout,
		Cause:            e.Cause,
	}
	return h.Error()
}

func (e *BehaviourError) Unwrap() error { return e.Cause }

// fromHandlerError widens a HandlerError into a BehaviourError, preserving
// the payload fields relevant to its kind.
func fromHandlerError(e *HandlerError) *BehaviourError {
	return &BehaviourError{
		Kind:             e.Kind,
		ProtocolName:     e.ProtocolName,
		SubstreamTimeout: e.SubstreamTimeout,
		Cause:            e.Cause,
	}
}

func connectionClosedError() *BehaviourError {
	return &BehaviourError{Kind: ErrConnectionClosed}
}

// Local (synchronous) errors returned directly by Behaviour's API, distinct
// from the session-level errors above, which are always delivered
// asynchronously as SessionFailed events.

// ErrPeerNotConnected is returned by SendQuery when the peer has no
// established connection.
var ErrPeerNotConnected = errors.New("peer not connected")

// ErrSessionIDNotFound is returned by SendData and CloseSession when the
// session id is not (or no longer) present in the routing table.
var ErrSessionIDNotFound = errors.New("session id not found")
