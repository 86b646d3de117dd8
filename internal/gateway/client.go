package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskmesh/gateway/internal/protocol"
)

// clientVersion is reported to the gateway in the handshake.
const clientVersion = "0.1.0"

// Socket tuning. Write deadlines and the ping/pong keepalive mirror the
// gateway's expectations; a connection that misses pongs for pongWait is
// considered dead.
const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1024 * 1024
)

// connectAttempt is one in-flight Connect. Concurrent Connect callers share
// the same attempt instead of opening a second socket.
type connectAttempt struct {
	// reconnect marks attempts started by the backoff timer; they report
	// failures differently (retry pending vs terminal error).
	reconnect bool

	// hs receives the handshake outcome from the read loop.
	hs chan error

	once sync.Once
	err  error
	done chan struct{}

	// challenged guards against a duplicate challenge event triggering a
	// second handshake request.
	challenged atomic.Bool
}

func newConnectAttempt(reconnect bool) *connectAttempt {
	return &connectAttempt{
		reconnect: reconnect,
		hs:        make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// finish resolves the attempt exactly once.
func (a *connectAttempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// signalHandshake delivers a handshake outcome without blocking.
func (a *connectAttempt) signalHandshake(err error) {
	select {
	case a.hs <- err:
	default:
	}
}

// Client is a long-lived RPC client for the agent execution gateway. It
// multiplexes concurrent request/response pairs over one WebSocket, fans
// gateway events out to per-session subscribers, and reconnects with
// exponential backoff after an unexpected disconnect.
//
// It is safe for concurrent use.
type Client struct {
	url    string
	logger *slog.Logger

	authToken        string
	reconnectEnabled bool
	maxAttempts      int
	initialDelay     time.Duration
	maxDelay         time.Duration
	connTimeout      time.Duration

	info   protocol.ClientInfo
	dialer *websocket.Dialer

	onStatusChange func(Status)

	pending *pendingTable
	router  *eventRouter

	// lastSeq is the highest event sequence number seen; used by resume.
	lastSeq atomic.Int64

	mu                sync.Mutex
	status            Status
	conn              *websocket.Conn
	send              chan []byte
	sendDone          chan struct{}
	connecting        *connectAttempt
	reconnectAttempts int
	reconnectTimer    *time.Timer
	serverVersion     string
}

// New creates a client for the given gateway WebSocket URL. The client starts
// disconnected; call Connect to establish the connection.
func New(gatewayURL string, opts ...Option) *Client {
	c := &Client{
		url:              gatewayURL,
		logger:           slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
		reconnectEnabled: true,
		maxAttempts:      DefaultReconnectMaxAttempts,
		initialDelay:     DefaultReconnectInitialDelay,
		maxDelay:         DefaultReconnectMaxDelay,
		connTimeout:      DefaultConnectionTimeout,
		info: protocol.ClientInfo{
			ID:       uuid.NewString(),
			Version:  clientVersion,
			Platform: runtime.GOOS,
			Mode:     "client",
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("gateway_url", gatewayURL, "client_id", c.info.ID)
	c.pending = newPendingTable()
	c.router = newEventRouter(c.logger)
	return c
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ServerVersion returns the gateway version reported by the last successful
// handshake, or "" before the first connection.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// LastSeq returns the highest event sequence number seen on this client.
func (c *Client) LastSeq() int64 {
	return c.lastSeq.Load()
}

// ClientID returns the identity sent to the gateway in the handshake.
func (c *Client) ClientID() string {
	return c.info.ID
}

// Subscribe registers a handler for events of one session, or of every
// session when sessionID is AllSessions. The returned unsubscribe function is
// idempotent. Subscriptions survive reconnects.
func (c *Client) Subscribe(sessionID string, handler EventHandler) func() {
	return c.router.subscribe(sessionID, handler)
}

// Connect establishes the connection and runs the authentication handshake.
// It is idempotent: when already connected it returns immediately, and when
// an attempt is already in flight the caller joins that attempt instead of
// opening a second socket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if att := c.connecting; att != nil {
		c.mu.Unlock()
		return att.wait(ctx)
	}
	// An explicit Connect supersedes a scheduled reconnection attempt.
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	att := newConnectAttempt(false)
	c.connecting = att
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	go c.runConnect(att)
	return att.wait(ctx)
}

// wait blocks until the attempt resolves or the caller's context ends. The
// attempt itself keeps running when the caller gives up, so a later Connect
// can still join it.
func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runConnect drives one connection attempt: dial, start the pumps, then wait
// for the challenge/response handshake bounded by the connection timeout.
func (c *Client) runConnect(att *connectAttempt) {
	dialCtx, cancel := context.WithTimeout(context.Background(), c.connTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		c.logger.Warn("gateway dial failed", "error", err)
		c.failConnect(att, nil, &Error{Kind: ErrKindHandshakeFailed, Message: "dial failed", Err: err})
		return
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})
	c.mu.Lock()
	if c.connecting != att {
		// Disconnected while the dial was in progress.
		c.mu.Unlock()
		conn.Close()
		att.finish(&Error{Kind: ErrKindHandshakeFailed, Message: "disconnected during connect"})
		return
	}
	c.conn = conn
	c.send = send
	c.sendDone = done
	c.mu.Unlock()

	go c.writePump(conn, send, done)
	go c.readLoop(conn, att)

	timer := time.NewTimer(c.connTimeout)
	defer timer.Stop()

	select {
	case err := <-att.hs:
		if err != nil {
			c.failConnect(att, conn, err)
			return
		}
	case <-timer.C:
		c.failConnect(att, conn, &Error{
			Kind:    ErrKindHandshakeFailed,
			Message: fmt.Sprintf("handshake did not complete within %s", c.connTimeout),
		})
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		// Disconnected while the handshake response was in flight.
		c.mu.Unlock()
		att.finish(&Error{Kind: ErrKindHandshakeFailed, Message: "disconnected during handshake"})
		return
	}
	c.reconnectAttempts = 0
	c.connecting = nil
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("gateway connected")
	att.finish(nil)
}

// failConnect tears down a failed attempt. A handshake failure never
// schedules reconnection; it rejects the Connect caller instead. During a
// backoff-driven attempt with retries remaining the status stays
// disconnected rather than error.
func (c *Client) failConnect(att *connectAttempt, conn *websocket.Conn, err error) {
	c.mu.Lock()
	c.connecting = nil
	c.detachConnLocked(conn)
	// A user Disconnect during the attempt already settled the status.
	if c.status == StatusConnecting {
		if att.reconnect && c.reconnectAttempts < c.maxAttempts {
			c.setStatusLocked(StatusDisconnected)
		} else {
			c.setStatusLocked(StatusError)
		}
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.pending.failAll(errConnectionClosed(err))
	c.logger.Warn("gateway connect failed", "error", err)
	att.finish(err)
}

// Disconnect closes the connection with a normal-closure code, cancels any
// scheduled reconnection, and rejects outstanding requests. It is idempotent
// and suppresses automatic reconnection for this close.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectAttempts = 0
	conn := c.conn
	att := c.connecting
	c.connecting = nil
	c.detachConnLocked(conn)
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
	}
	c.pending.failAll(&Error{Kind: ErrKindConnectionClosed, Message: "disconnected by user"})
	if att != nil {
		att.signalHandshake(&Error{Kind: ErrKindHandshakeFailed, Message: "disconnected by user"})
	}
	c.logger.Info("gateway disconnected")
}

// detachConnLocked unregisters conn as the active connection and stops its
// write pump. No-op when conn is stale or nil. Caller holds c.mu.
func (c *Client) detachConnLocked(conn *websocket.Conn) {
	if conn == nil || c.conn != conn {
		return
	}
	c.conn = nil
	c.send = nil
	if c.sendDone != nil {
		close(c.sendDone)
		c.sendDone = nil
	}
}

// setStatusLocked transitions the status and notifies the status handler.
// Caller holds c.mu.
func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.logger.Debug("status change", "from", c.status.String(), "to", s.String())
	c.status = s
	if c.onStatusChange != nil {
		go c.onStatusChange(s)
	}
}

// writePump serializes all socket writes: queued frames plus the ping
// keepalive. It owns the write side of conn until done closes or a write
// fails.
func (c *Client) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop processes inbound frames strictly in arrival order. Malformed
// frames are logged and dropped; they never crash the loop or reach callers.
func (c *Client) readLoop(conn *websocket.Conn, att *connectAttempt) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLost(conn, att, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, perr := protocol.Parse(data)
		if perr != nil {
			c.logger.Warn("dropping malformed frame", "error", perr)
			continue
		}

		switch msg.Kind {
		case protocol.TypeResponse:
			entry := c.pending.resolve(msg.Response)
			if entry == nil {
				c.logger.Debug("response without pending request", "id", msg.Response.ID)
			} else if entry.kind == kindHandshake {
				// Completing on the read loop keeps a rejection ahead of the
				// socket close the gateway may send right after it.
				c.completeHandshake(att, <-entry.ch)
			}

		case protocol.TypeEvent:
			c.handleEvent(msg.Event, att)

		default:
			// The gateway never initiates requests.
			c.logger.Debug("dropping unexpected frame", "kind", msg.Kind)
		}
	}
}

// handleEvent routes one inbound event: the connection challenge feeds the
// handshake, everything else goes to subscribers.
func (c *Client) handleEvent(ev *protocol.Event, att *connectAttempt) {
	if ev.Event == protocol.EventChallenge {
		if att != nil && att.challenged.CompareAndSwap(false, true) {
			c.answerChallenge(att)
		}
		return
	}

	if ev.Seq > 0 {
		for {
			prev := c.lastSeq.Load()
			if ev.Seq <= prev || c.lastSeq.CompareAndSwap(prev, ev.Seq) {
				break
			}
		}
	}
	c.router.dispatch(protocol.NormalizeEvent(ev, time.Now()))
}

// answerChallenge sends the authentication request in response to the
// connection challenge. Its response is routed through the pending table like
// any other request, but tagged so the read loop resolves the handshake
// instead of a caller.
func (c *Client) answerChallenge(att *connectAttempt) {
	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocolVersion,
		MaxProtocol: protocol.MaxProtocolVersion,
		Client:      c.info,
		Auth:        protocol.AuthInfo{Token: c.authToken},
	}

	entry := c.pending.register(protocol.MethodConnect, kindHandshake)
	frame, err := protocol.EncodeRequest(entry.id, protocol.MethodConnect, params)
	if err != nil {
		c.pending.remove(entry.id)
		att.signalHandshake(&Error{Kind: ErrKindHandshakeFailed, Message: "encode connect request", Err: err})
		return
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		c.pending.remove(entry.id)
		att.signalHandshake(&Error{Kind: ErrKindHandshakeFailed, Message: "connection lost before handshake"})
		return
	}
	select {
	case send <- frame:
	default:
		c.pending.remove(entry.id)
		att.signalHandshake(&Error{Kind: ErrKindHandshakeFailed, Message: "send buffer full during handshake"})
	}
}

// completeHandshake settles the attempt from the gateway's connect response.
// A missing response is covered elsewhere: the overall timer in runConnect
// and handleConnLost both signal the attempt.
func (c *Client) completeHandshake(att *connectAttempt, res callResult) {
	if res.err != nil {
		att.signalHandshake(&Error{Kind: ErrKindHandshakeFailed, Message: "gateway rejected connect", Err: res.err})
		return
	}

	var result protocol.ConnectResult
	if len(res.payload) > 0 {
		if err := json.Unmarshal(res.payload, &result); err != nil {
			c.logger.Warn("unparseable connect result", "error", err)
		}
	}
	c.mu.Lock()
	c.serverVersion = result.Version
	c.mu.Unlock()

	att.signalHandshake(nil)
}

// handleConnLost is the single teardown path for a socket that died
// unexpectedly. User disconnects and failed connects detach the connection
// first, so this sees a stale conn and returns.
func (c *Client) handleConnLost(conn *websocket.Conn, att *connectAttempt, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.status == StatusConnected
	stillConnecting := c.status == StatusConnecting
	c.detachConnLocked(conn)
	if wasConnected {
		c.setStatusLocked(StatusDisconnected)
		if c.reconnectEnabled {
			c.scheduleReconnectLocked()
		}
	}
	c.mu.Unlock()

	conn.Close()
	c.pending.failAll(errConnectionClosed(cause))
	if stillConnecting && att != nil {
		att.signalHandshake(&Error{Kind: ErrKindHandshakeFailed, Message: "connection closed during handshake", Err: cause})
	}
	c.logger.Warn("gateway connection lost", "error", cause, "was_connected", wasConnected)
}

// scheduleReconnectLocked arms the backoff timer for the next reconnection
// attempt, or transitions to StatusError when attempts are exhausted. At most
// one timer is pending at any time. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	if c.reconnectAttempts >= c.maxAttempts {
		c.logger.Error("reconnect attempts exhausted", "attempts", c.reconnectAttempts)
		c.setStatusLocked(StatusError)
		return
	}

	delay := c.backoffDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	c.logger.Info("scheduling reconnect", "attempt", c.reconnectAttempts, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectNow)
}

// backoffDelay returns min(initialDelay * 2^n, maxDelay) for attempt n.
func (c *Client) backoffDelay(n int) time.Duration {
	if n > 30 {
		return c.maxDelay
	}
	delay := c.initialDelay << uint(n)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	return delay
}

// reconnectNow runs one backoff-driven connection attempt and schedules the
// next on failure.
func (c *Client) reconnectNow() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.status == StatusConnected || c.connecting != nil {
		c.mu.Unlock()
		return
	}
	att := newConnectAttempt(true)
	c.connecting = att
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	go c.runConnect(att)
	<-att.done
	if att.err == nil {
		return
	}

	c.mu.Lock()
	// A user Disconnect during the attempt leaves status disconnected with
	// attempts reset; do not revive the loop in that case.
	if c.reconnectAttempts > 0 {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

// Call sends a request and blocks until the matching response, the timeout,
// or the caller's context ends. While not connected it fails immediately with
// ErrNotConnected without touching the socket. A timeout error names the
// method and the window; the pending entry is removed exactly once.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	c.mu.Lock()
	if c.status != StatusConnected || c.send == nil {
		c.mu.Unlock()
		return nil, errNotConnected()
	}
	send := c.send
	c.mu.Unlock()

	entry := c.pending.register(method, kindApplication)
	frame, err := protocol.EncodeRequest(entry.id, method, params)
	if err != nil {
		c.pending.remove(entry.id)
		return nil, err
	}

	select {
	case send <- frame:
	default:
		c.pending.remove(entry.id)
		return nil, fmt.Errorf("send buffer full for %s", method)
	}
	c.logger.Debug("request sent", "method", method, "id", entry.id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-entry.ch:
		return res.payload, res.err

	case <-timer.C:
		if c.pending.remove(entry.id) != nil {
			return nil, &Error{
				Kind:    ErrKindTimeout,
				Message: fmt.Sprintf("%s timed out after %dms", method, timeout.Milliseconds()),
			}
		}
		// Lost the race against a concurrent resolve: the result is already
		// in flight on the buffered channel.
		res := <-entry.ch
		return res.payload, res.err

	case <-ctx.Done():
		if c.pending.remove(entry.id) != nil {
			return nil, ctx.Err()
		}
		res := <-entry.ch
		return res.payload, res.err
	}
}
