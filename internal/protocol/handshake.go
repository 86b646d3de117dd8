package protocol

// Protocol version bounds advertised during the handshake. The gateway picks
// the highest version both sides support.
const (
	MinProtocolVersion = 1
	MaxProtocolVersion = 1
)

// EventChallenge is the unsolicited event the gateway pushes right after the
// socket opens. Its receipt (and only its receipt) triggers the client's
// authentication request; application traffic is refused until that request
// succeeds.
const EventChallenge = "connect.challenge"

// MethodConnect is the method name of the authentication request sent in
// answer to the connection challenge.
const MethodConnect = "connect"

// ClientInfo identifies the connecting client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthInfo carries the client's credentials.
type AuthInfo struct {
	Token string `json:"token"`
}

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Auth        AuthInfo   `json:"auth"`
}

// ConnectResult is the payload of a successful connect response.
type ConnectResult struct {
	Protocol int    `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}
