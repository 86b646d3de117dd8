package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Method names of the gateway RPC surface.
const (
	MethodSendTask          = "sendTask"
	MethodResumeSession     = "resumeSession"
	MethodListSessions      = "listSessions"
	MethodGetSessionHistory = "getSessionHistory"
	MethodStopSession       = "stopSession"
	MethodGetStatus         = "getStatus"
	MethodPing              = "ping"
)

// Session describes a remote unit of agent work. The client never mutates
// session state; it only relays what the gateway reports.
type Session struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // pending, running, completed, failed
	CreatedAt   string `json:"createdAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// SendTaskParams shapes a task-execution request.
type SendTaskParams struct {
	Task     string         `json:"task"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendTaskResult identifies the session started for a task.
type SendTaskResult struct {
	SessionID string `json:"sessionId"`
}

// ResumeSessionParams resumes an existing session, optionally replaying
// events after a known sequence number.
type ResumeSessionParams struct {
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq,omitempty"`
}

// HistoryEntry is one recorded event of a session's history.
type HistoryEntry struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// GatewayStatus is the gateway's self-reported state.
type GatewayStatus struct {
	Version        string `json:"version,omitempty"`
	ActiveSessions int    `json:"activeSessions,omitempty"`
	UptimeSeconds  int64  `json:"uptimeSeconds,omitempty"`
}

// PingResult reports protocol-level liveness and round-trip latency.
type PingResult struct {
	Pong      bool  `json:"pong"`
	LatencyMs int64 `json:"latencyMs"`
}

// SendTask submits a task for execution and returns the session running it.
func (c *Client) SendTask(ctx context.Context, params SendTaskParams) (*SendTaskResult, error) {
	payload, err := c.Call(ctx, MethodSendTask, params, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	var result SendTaskResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodSendTask, err)
	}
	return &result, nil
}

// ResumeSession reattaches to an existing session. When params.AfterSeq is
// zero the client's highest seen sequence number is used, so events missed
// during a disconnect are replayed.
func (c *Client) ResumeSession(ctx context.Context, params ResumeSessionParams) error {
	if params.AfterSeq == 0 {
		params.AfterSeq = c.LastSeq()
	}
	_, err := c.Call(ctx, MethodResumeSession, params, DefaultCallTimeout)
	return err
}

// ListSessions returns the sessions known to the gateway.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	payload, err := c.Call(ctx, MethodListSessions, nil, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	if err := json.Unmarshal(payload, &sessions); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodListSessions, err)
	}
	return sessions, nil
}

// GetSessionHistory returns the recorded events of one session.
func (c *Client) GetSessionHistory(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	params := map[string]string{"sessionId": sessionID}
	payload, err := c.Call(ctx, MethodGetSessionHistory, params, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	var history []HistoryEntry
	if err := json.Unmarshal(payload, &history); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodGetSessionHistory, err)
	}
	return history, nil
}

// StopSession asks the gateway to stop a running session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	params := map[string]string{"sessionId": sessionID}
	_, err := c.Call(ctx, MethodStopSession, params, DefaultCallTimeout)
	return err
}

// GetGatewayStatus returns the gateway's self-reported state.
func (c *Client) GetGatewayStatus(ctx context.Context) (*GatewayStatus, error) {
	payload, err := c.Call(ctx, MethodGetStatus, nil, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	var status GatewayStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodGetStatus, err)
	}
	return &status, nil
}

// Ping measures round-trip latency with a short timeout: it exists to probe
// liveness, not to wait out a slow gateway.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	start := time.Now()
	_, err := c.Call(ctx, MethodPing, nil, DefaultPingTimeout)
	if err != nil {
		return nil, err
	}
	return &PingResult{
		Pong:      true,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// ConnectivityResult is the outcome of a one-shot connectivity check.
type ConnectivityResult struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CheckConnectivity connects with reconnection disabled, pings, and always
// disconnects before returning, so no connection lingers.
func CheckConnectivity(ctx context.Context, gatewayURL, authToken string, logger *slog.Logger) ConnectivityResult {
	client := New(gatewayURL,
		WithAuthToken(authToken),
		WithReconnect(false),
		WithLogger(logger),
		WithClientInfo("", "", "connectivity-test"),
	)
	defer client.Disconnect()

	if err := client.Connect(ctx); err != nil {
		return ConnectivityResult{Success: false, Error: err.Error()}
	}

	ping, err := client.Ping(ctx)
	if err != nil {
		return ConnectivityResult{Success: false, Error: err.Error()}
	}

	return ConnectivityResult{
		Success:   true,
		LatencyMs: ping.LatencyMs,
		Version:   client.ServerVersion(),
	}
}
