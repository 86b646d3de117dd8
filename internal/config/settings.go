// Package config loads and watches the gateway client settings file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvAuthToken is the environment variable that overrides the auth token from
// the settings file. It keeps tokens out of on-disk configuration.
const EnvAuthToken = "GATEWAY_AUTH_TOKEN"

// Default values applied by ApplyDefaults.
const (
	DefaultReconnectMaxAttempts    = 5
	DefaultReconnectInitialDelayMs = 1000
	DefaultReconnectMaxDelayMs     = 30000
	DefaultConnectionTimeoutMs     = 30000
)

// ReconnectSettings configures automatic reconnection after an unexpected
// disconnect.
type ReconnectSettings struct {
	// Enabled turns automatic reconnection on or off. Defaults to true when
	// omitted from the file.
	Enabled *bool `yaml:"enabled,omitempty"`
	// MaxAttempts is the number of consecutive failed attempts after which the
	// client gives up.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// InitialDelayMs is the delay before the first reconnection attempt.
	// Subsequent attempts double the delay.
	InitialDelayMs int `yaml:"initial_delay_ms,omitempty"`
	// MaxDelayMs caps the exponential backoff delay.
	MaxDelayMs int `yaml:"max_delay_ms,omitempty"`
}

// IsEnabled reports whether reconnection is enabled, defaulting to true.
func (r *ReconnectSettings) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Settings is the persisted gateway client configuration.
type Settings struct {
	// GatewayURL is the WebSocket endpoint of the agent execution gateway
	// (e.g. "ws://localhost:9800/gateway"). Required.
	GatewayURL string `yaml:"gateway_url"`
	// AuthToken is the credential presented during the connection handshake.
	// Optional; the GATEWAY_AUTH_TOKEN environment variable takes precedence.
	AuthToken string `yaml:"auth_token,omitempty"`
	// Reconnect configures automatic reconnection.
	Reconnect ReconnectSettings `yaml:"reconnect,omitempty"`
	// ConnectionTimeoutMs bounds the whole connect-and-handshake sequence.
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms,omitempty"`
}

// ApplyDefaults fills in zero-valued fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.Reconnect.MaxAttempts == 0 {
		s.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if s.Reconnect.InitialDelayMs == 0 {
		s.Reconnect.InitialDelayMs = DefaultReconnectInitialDelayMs
	}
	if s.Reconnect.MaxDelayMs == 0 {
		s.Reconnect.MaxDelayMs = DefaultReconnectMaxDelayMs
	}
	if s.ConnectionTimeoutMs == 0 {
		s.ConnectionTimeoutMs = DefaultConnectionTimeoutMs
	}
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	if s.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if s.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if s.Reconnect.InitialDelayMs < 0 || s.Reconnect.MaxDelayMs < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if s.ConnectionTimeoutMs < 0 {
		return fmt.Errorf("connection_timeout_ms must not be negative")
	}
	return nil
}

// Load reads settings from a YAML file, applies defaults, and applies the
// environment token override.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	s.ApplyDefaults()
	if tok := os.Getenv(EnvAuthToken); tok != "" {
		s.AuthToken = tok
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return &s, nil
}

// Default returns settings for the given gateway URL with all defaults
// applied and the environment token override honored.
func Default(gatewayURL string) *Settings {
	s := &Settings{GatewayURL: gatewayURL}
	s.ApplyDefaults()
	if tok := os.Getenv(EnvAuthToken); tok != "" {
		s.AuthToken = tok
	}
	return s
}
