package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(handler)

	logger := WithConnection(base, "ws://localhost:9800/gateway", "client-abc")
	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "gateway_url=ws://localhost:9800/gateway") {
		t.Errorf("Expected gateway_url in output, got: %s", output)
	}
	if !strings.Contains(output, "client_id=client-abc") {
		t.Errorf("Expected client_id in output, got: %s", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected message in output, got: %s", output)
	}
}

func TestWithConnection_NilLogger(t *testing.T) {
	logger := WithConnection(nil, "ws://x", "client")
	if logger != nil {
		t.Error("WithConnection(nil, ...) should return nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestComponentFiltering(t *testing.T) {
	// Restore global state after the test.
	componentsMu.Lock()
	saved := allowedComponents
	componentsMu.Unlock()
	defer func() {
		componentsMu.Lock()
		allowedComponents = saved
		componentsMu.Unlock()
	}()

	componentsMu.Lock()
	allowedComponents = map[string]bool{"gateway": true}
	componentsMu.Unlock()

	if !isComponentAllowed("gateway") {
		t.Error("gateway component should be allowed")
	}
	if isComponentAllowed("protocol") {
		t.Error("protocol component should be filtered out")
	}

	componentsMu.Lock()
	allowedComponents = nil
	componentsMu.Unlock()

	if !isComponentAllowed("anything") {
		t.Error("nil allowed set should allow all components")
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard returned nil")
	}
	// Must not panic.
	logger.Info("dropped", "key", "value")
}
