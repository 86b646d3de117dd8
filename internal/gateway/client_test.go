package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/gateway/internal/gatewaytest"
	"github.com/taskmesh/gateway/internal/protocol"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connectedClient starts a mock gateway and a connected client against it.
func connectedClient(t *testing.T, serverOpts gatewaytest.Options, clientOpts ...Option) (*gatewaytest.Server, *Client) {
	t.Helper()
	server := gatewaytest.Start(serverOpts)
	t.Cleanup(server.Close)

	client := New(server.URL(), clientOpts...)
	t.Cleanup(client.Disconnect)
	if err := client.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return server, client
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectHandshake(t *testing.T) {
	server, client := connectedClient(t,
		gatewaytest.Options{AuthToken: "secret", Version: "1.2.3"},
		WithAuthToken("secret"))

	if got := client.Status(); got != StatusConnected {
		t.Errorf("Status = %v, want %v", got, StatusConnected)
	}
	if got := client.ServerVersion(); got != "1.2.3" {
		t.Errorf("ServerVersion = %q, want %q", got, "1.2.3")
	}
	if n := server.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount = %d, want 1", n)
	}

	// Connecting again is a no-op.
	if err := client.Connect(testContext(t)); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if n := server.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount after second Connect = %d, want 1", n)
	}
}

func TestConnectRejectedToken(t *testing.T) {
	server := gatewaytest.Start(gatewaytest.Options{AuthToken: "secret"})
	t.Cleanup(server.Close)

	client := New(server.URL(), WithAuthToken("wrong"), WithReconnect(false))
	t.Cleanup(client.Disconnect)

	err := client.Connect(testContext(t))
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Connect error = %v, want handshake failure", err)
	}
	// The rejection cause is the gateway's error response.
	if !errors.Is(err, ErrRemote) {
		t.Errorf("Connect error does not wrap the remote rejection: %v", err)
	}
	if got := client.Status(); got != StatusError {
		t.Errorf("Status = %v, want %v", got, StatusError)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	// The gateway never issues a challenge within the connection timeout.
	server := gatewaytest.Start(gatewaytest.Options{ChallengeDelay: 5 * time.Second})
	t.Cleanup(server.Close)

	client := New(server.URL(), WithConnectionTimeout(200*time.Millisecond))
	t.Cleanup(client.Disconnect)

	err := client.Connect(testContext(t))
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Connect error = %v, want handshake failure", err)
	}
	if !strings.Contains(err.Error(), "did not complete") {
		t.Errorf("error %q does not mention the timeout", err)
	}
}

func TestConcurrentConnectSharesOneSocket(t *testing.T) {
	server := gatewaytest.Start(gatewaytest.Options{ChallengeDelay: 150 * time.Millisecond})
	t.Cleanup(server.Close)

	client := New(server.URL())
	t.Cleanup(client.Disconnect)

	const callers = 5
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Connect(testContext(t))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if n := server.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount = %d, want 1", n)
	}
}

func TestCallNotConnected(t *testing.T) {
	client := New("ws://127.0.0.1:1/ws")

	_, err := client.Call(testContext(t), "ping", nil, time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call error = %v, want not connected", err)
	}
}

func TestCallRoundTripPayloadFidelity(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{})

	server.Handle("echo", func(params json.RawMessage) (any, *protocol.ErrorPayload) {
		return params, nil
	})

	params := map[string]any{
		"nested": map[string]any{"a": 1, "b": "two"},
		"list":   []string{"x", "y"},
	}
	payload, err := client.Call(testContext(t), "echo", params, time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal echo payload: %v", err)
	}
	if got["nested"].(map[string]any)["b"] != "two" {
		t.Errorf("nested field lost: %v", got)
	}
	if len(got["list"].([]any)) != 2 {
		t.Errorf("list field lost: %v", got)
	}
}

func TestCallRemoteError(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{})

	server.Handle("boom", func(json.RawMessage) (any, *protocol.ErrorPayload) {
		return nil, &protocol.ErrorPayload{Code: "kaput", Message: "it broke"}
	})

	_, err := client.Call(testContext(t), "boom", nil, time.Second)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("Call error = %v, want remote error", err)
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Code != "kaput" || gerr.Message != "it broke" {
		t.Errorf("remote error = %+v", gerr)
	}
}

func TestCallTimeout(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{})

	server.Handle("slow", func(json.RawMessage) (any, *protocol.ErrorPayload) {
		time.Sleep(500 * time.Millisecond)
		return map[string]bool{"late": true}, nil
	})

	_, err := client.Call(testContext(t), "slow", nil, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call error = %v, want timeout", err)
	}
	if !strings.Contains(err.Error(), "slow timed out after 100ms") {
		t.Errorf("timeout error %q does not name the method and window", err)
	}
	if n := client.pending.size(); n != 0 {
		t.Errorf("%d entries left in pending table after timeout", n)
	}
}

func TestConnectionLossFailsOutstandingCalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	server, client := connectedClient(t, gatewaytest.Options{}, WithReconnect(false))
	server.Handle("hang", func(json.RawMessage) (any, *protocol.ErrorPayload) {
		<-block
		return nil, nil
	})

	result := make(chan error, 1)
	go func() {
		_, err := client.Call(testContext(t), "hang", nil, 5*time.Second)
		result <- err
	}()

	// Let the request reach the gateway, then kill the connection.
	time.Sleep(100 * time.Millisecond)
	server.CloseConnections()

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("Call error = %v, want connection closed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Call did not fail after connection loss")
	}
	waitFor(t, 2*time.Second, "disconnected status", func() bool {
		return client.Status() == StatusDisconnected
	})
}

func TestDisconnectIsIdempotent(t *testing.T) {
	_, client := connectedClient(t, gatewaytest.Options{})

	client.Disconnect()
	client.Disconnect()

	if got := client.Status(); got != StatusDisconnected {
		t.Errorf("Status = %v, want %v", got, StatusDisconnected)
	}
	if _, err := client.Call(testContext(t), "ping", nil, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call after Disconnect = %v, want not connected", err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{},
		WithReconnectPolicy(5, 50*time.Millisecond, 500*time.Millisecond))

	events := make(chan protocol.SessionEvent, 16)
	unsub := client.Subscribe(AllSessions, func(ev protocol.SessionEvent) { events <- ev })
	defer unsub()

	server.CloseConnections()
	waitFor(t, 5*time.Second, "reconnect", func() bool {
		return client.Status() == StatusConnected
	})

	// The subscription from before the drop still receives events.
	server.SendEvent("session.progress", map[string]string{"sessionId": "sess-1"})
	select {
	case ev := <-events:
		if ev.SessionID != "sess-1" {
			t.Errorf("event session = %q, want sess-1", ev.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered after reconnect")
	}
}

func TestReconnectExhaustionEndsInError(t *testing.T) {
	server := gatewaytest.Start(gatewaytest.Options{})

	var mu sync.Mutex
	connecting := 0
	client := New(server.URL(),
		WithReconnectPolicy(3, 50*time.Millisecond, 500*time.Millisecond),
		WithStatusHandler(func(s Status) {
			if s == StatusConnecting {
				mu.Lock()
				connecting++
				mu.Unlock()
			}
		}))
	t.Cleanup(client.Disconnect)

	if err := client.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Take the gateway down for good; every redial now fails.
	server.Close()
	waitFor(t, 5*time.Second, "terminal error status", func() bool {
		return client.Status() == StatusError
	})

	// Let any in-flight status notifications land before counting.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	attempts := connecting - 1 // the first Connecting was the explicit Connect
	mu.Unlock()
	if attempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", attempts)
	}
}

func TestUserDisconnectSuppressesReconnect(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{},
		WithReconnectPolicy(5, 50*time.Millisecond, 500*time.Millisecond))

	client.Disconnect()
	time.Sleep(300 * time.Millisecond)

	if got := client.Status(); got != StatusDisconnected {
		t.Errorf("Status = %v, want %v", got, StatusDisconnected)
	}
	waitFor(t, 2*time.Second, "server side teardown", func() bool {
		return server.ConnectionCount() == 0
	})
}

func TestBackoffDelay(t *testing.T) {
	client := New("ws://unused", WithReconnectPolicy(10, 100*time.Millisecond, time.Second))

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{10, time.Second},
		{63, time.Second}, // shift overflow guard
	}
	for _, tc := range cases {
		if got := client.backoffDelay(tc.n); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestEventFanOutAndNormalization(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{})

	sess := make(chan protocol.SessionEvent, 16)
	all := make(chan protocol.SessionEvent, 16)
	defer client.Subscribe("sess-1", func(ev protocol.SessionEvent) { sess <- ev })()
	defer client.Subscribe(AllSessions, func(ev protocol.SessionEvent) { all <- ev })()

	server.SendEvent("session.tool_call", map[string]any{"sessionId": "sess-1", "tool": "grep"})

	for name, ch := range map[string]chan protocol.SessionEvent{"exact": sess, "wildcard": all} {
		select {
		case ev := <-ch:
			if ev.Type != protocol.SessionEventToolCall {
				t.Errorf("%s: event type = %q, want tool_call", name, ev.Type)
			}
			if ev.SessionID != "sess-1" {
				t.Errorf("%s: session = %q, want sess-1", name, ev.SessionID)
			}
			if ev.Seq != 1 {
				t.Errorf("%s: seq = %d, want 1", name, ev.Seq)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s subscriber got no event", name)
		}
	}

	server.SendEvent("session.complete", map[string]string{"sessionId": "sess-2"})
	select {
	case ev := <-all:
		if ev.Type != protocol.SessionEventComplete {
			t.Errorf("event type = %q, want complete", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wildcard subscriber got no event for sess-2")
	}
	select {
	case ev := <-sess:
		t.Fatalf("sess-1 subscriber received foreign event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	waitFor(t, time.Second, "lastSeq update", func() bool { return client.LastSeq() == 2 })
}

func TestPing(t *testing.T) {
	_, client := connectedClient(t, gatewaytest.Options{})

	result, err := client.Ping(testContext(t))
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if !result.Pong {
		t.Error("Pong = false")
	}
	if result.LatencyMs < 0 || result.LatencyMs > 5000 {
		t.Errorf("LatencyMs = %d, out of plausible range", result.LatencyMs)
	}
}

func TestSessionLifecycle(t *testing.T) {
	server, client := connectedClient(t, gatewaytest.Options{})
	ctx := testContext(t)

	task, err := client.SendTask(ctx, SendTaskParams{Task: "summarize the logs"})
	if err != nil {
		t.Fatalf("SendTask failed: %v", err)
	}
	if task.SessionID == "" {
		t.Fatal("SendTask returned empty session id")
	}

	server.SendEvent("session.progress", map[string]any{"sessionId": task.SessionID, "pct": 50})
	server.SendEvent("session.complete", map[string]string{"sessionId": task.SessionID})

	waitFor(t, 2*time.Second, "event history", func() bool {
		history, err := client.GetSessionHistory(ctx, task.SessionID)
		return err == nil && len(history) == 2
	})

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != task.SessionID {
		t.Errorf("ListSessions = %+v", sessions)
	}

	if err := client.StopSession(ctx, task.SessionID); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if err := client.ResumeSession(ctx, ResumeSessionParams{SessionID: task.SessionID}); err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}

	status, err := client.GetGatewayStatus(ctx)
	if err != nil {
		t.Fatalf("GetGatewayStatus failed: %v", err)
	}
	if status.Version != "mock" {
		t.Errorf("gateway version = %q, want mock", status.Version)
	}
}

func TestCheckConnectivity(t *testing.T) {
	server := gatewaytest.Start(gatewaytest.Options{Version: "9.9"})
	t.Cleanup(server.Close)

	result := CheckConnectivity(testContext(t), server.URL(), "", nil)
	if !result.Success {
		t.Fatalf("connectivity check failed: %s", result.Error)
	}
	if result.Version != "9.9" {
		t.Errorf("Version = %q, want 9.9", result.Version)
	}
	waitFor(t, 2*time.Second, "connection teardown", func() bool {
		return server.ConnectionCount() == 0
	})

	bad := CheckConnectivity(testContext(t), "ws://127.0.0.1:1/ws", "", nil)
	if bad.Success || bad.Error == "" {
		t.Errorf("connectivity against dead endpoint = %+v, want failure", bad)
	}
}
