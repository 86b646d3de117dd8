package gateway

import "fmt"

// ErrorKind classifies client errors so callers can branch on failure mode
// with errors.Is rather than string matching.
type ErrorKind int

const (
	// ErrKindNotConnected means a call was attempted while the client was not
	// in the connected state. The socket is never touched in this case.
	ErrKindNotConnected ErrorKind = iota + 1

	// ErrKindTimeout means no response arrived within the configured window.
	ErrKindTimeout

	// ErrKindRemote means the gateway answered with ok=false; Message carries
	// the remote-supplied text and Code the remote error code.
	ErrKindRemote

	// ErrKindConnectionClosed means the socket closed while the request was
	// outstanding.
	ErrKindConnectionClosed

	// ErrKindHandshakeFailed means the challenge/response exchange did not
	// complete before the connection timeout or was rejected.
	ErrKindHandshakeFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNotConnected:
		return "not_connected"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindRemote:
		return "remote_error"
	case ErrKindConnectionClosed:
		return "connection_closed"
	case ErrKindHandshakeFailed:
		return "handshake_failed"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// Error is the error type returned by the gateway client.
type Error struct {
	Kind    ErrorKind
	Message string
	// Code is the remote error code, set only for ErrKindRemote.
	Code string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so
// errors.Is(err, ErrNotConnected) works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel values for errors.Is checks.
var (
	ErrNotConnected     = &Error{Kind: ErrKindNotConnected}
	ErrTimeout          = &Error{Kind: ErrKindTimeout}
	ErrRemote           = &Error{Kind: ErrKindRemote}
	ErrConnectionClosed = &Error{Kind: ErrKindConnectionClosed}
	ErrHandshakeFailed  = &Error{Kind: ErrKindHandshakeFailed}
)

func errNotConnected() error {
	return &Error{Kind: ErrKindNotConnected, Message: "not connected to gateway"}
}

func errConnectionClosed(cause error) error {
	return &Error{Kind: ErrKindConnectionClosed, Message: "connection closed", Err: cause}
}
