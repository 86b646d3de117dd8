package gateway

// Status is the connection state of a client. Exactly one status holds at any
// time; transitions drive reconnection and request admission.
type Status int

const (
	// StatusDisconnected is the initial state and the state after a
	// user-initiated disconnect.
	StatusDisconnected Status = iota

	// StatusConnecting covers the dial and the authentication handshake.
	StatusConnecting

	// StatusConnected means the handshake completed and application traffic
	// is flowing.
	StatusConnected

	// StatusError means a connection attempt failed or reconnection attempts
	// were exhausted. Only an explicit Connect leaves this state.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
