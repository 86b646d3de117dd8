package gateway

import (
	"log/slog"
	"time"
)

// Defaults for the client configuration.
const (
	DefaultReconnectMaxAttempts  = 5
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultConnectionTimeout     = 30 * time.Second

	// DefaultCallTimeout bounds application requests.
	DefaultCallTimeout = 30 * time.Second

	// DefaultPingTimeout is deliberately short: ping exists to measure
	// liveness and latency, not to wait out a slow gateway.
	DefaultPingTimeout = 5 * time.Second
)

// Option configures the client.
type Option func(*Client)

// WithAuthToken sets the credential presented during the handshake.
// Absent a token, an empty string is sent.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithLogger sets the client logger. The default drops all records.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReconnect enables or disables automatic reconnection after an
// unexpected disconnect. Enabled by default.
func WithReconnect(enabled bool) Option {
	return func(c *Client) {
		c.reconnectEnabled = enabled
	}
}

// WithReconnectPolicy tunes the exponential backoff: the delay before attempt
// n (0-indexed) is min(initialDelay*2^n, maxDelay), and after maxAttempts
// consecutive failures the client stops and reports StatusError.
func WithReconnectPolicy(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initialDelay > 0 {
			c.initialDelay = initialDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithConnectionTimeout bounds the whole dial-and-handshake sequence.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connTimeout = d
		}
	}
}

// WithClientInfo overrides the identity metadata sent in the handshake.
func WithClientInfo(version, platform, mode string) Option {
	return func(c *Client) {
		if version != "" {
			c.info.Version = version
		}
		if platform != "" {
			c.info.Platform = platform
		}
		if mode != "" {
			c.info.Mode = mode
		}
	}
}

// WithStatusHandler registers a callback invoked (on its own goroutine) on
// every status transition.
func WithStatusHandler(fn func(Status)) Option {
	return func(c *Client) {
		c.onStatusChange = fn
	}
}
