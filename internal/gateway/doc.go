// Package gateway provides a long-lived RPC client for the agent execution
// gateway. It speaks a JSON framing protocol over a single WebSocket:
// requests and responses are correlated by id, and server-initiated events
// are fanned out to per-session subscribers.
//
// # Basic Usage
//
// Create a client and connect:
//
//	c := gateway.New("ws://localhost:8080/ws",
//	    gateway.WithAuthToken(token))
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Disconnect()
//
// Send a task and watch its events:
//
//	result, err := c.SendTask(ctx, gateway.SendTaskParams{Task: "build the report"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	unsubscribe := c.Subscribe(result.SessionID, func(ev protocol.SessionEvent) {
//	    fmt.Printf("[%s] %s\n", ev.Type, ev.Data)
//	})
//	defer unsubscribe()
//
// Subscribe under gateway.AllSessions to receive every event regardless of
// session.
//
// # Connection Lifecycle
//
// Connect runs a challenge/response handshake: the gateway emits a challenge
// event, the client answers with its protocol range, identity, and auth
// token, and the connection is usable only after the gateway accepts. A
// rejected handshake never triggers reconnection.
//
// After an unexpected disconnect the client reconnects with exponential
// backoff (tunable via WithReconnectPolicy). Outstanding calls fail
// immediately on connection loss; subscriptions survive reconnects.
//
// # Thread Safety
//
// Client is safe for concurrent use. Event handlers run on the read loop, so
// they must return quickly and must not call back into blocking client
// methods.
package gateway
