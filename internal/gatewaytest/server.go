// Package gatewaytest provides an in-process mock of the agent execution
// gateway. It speaks the real wire protocol (challenge handshake, request
// correlation, session events) over real WebSockets, so client behavior can
// be exercised without a gateway deployment. Used by the package tests and by
// the gwctl mock command.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/gateway/internal/protocol"
)

// MethodHandler produces the response for one RPC method. Returning a non-nil
// error payload sends a failure response.
type MethodHandler func(params json.RawMessage) (any, *protocol.ErrorPayload)

// Options configures the mock gateway.
type Options struct {
	// AuthToken, when non-empty, is required in the connect handshake.
	AuthToken string

	// Version reported in the connect result. Defaults to "mock".
	Version string

	// ChallengeDelay postpones the challenge event after upgrade, to exercise
	// handshake timeouts.
	ChallengeDelay time.Duration

	Logger *slog.Logger
}

// Server is a mock gateway. Zero or more clients may connect; each gets the
// challenge/response handshake and then access to the RPC methods.
type Server struct {
	authToken      string
	version        string
	challengeDelay time.Duration
	logger         *slog.Logger

	upgrader websocket.Upgrader
	seq      atomic.Int64
	taskSeq  atomic.Int64

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	handlers map[string]MethodHandler
	sessions map[string]*mockSession

	httpServer *httptest.Server
}

type mockSession struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"-"`
	history   []historyEntry
}

type historyEntry struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// serverConn serializes writes with a mutex so handlers, broadcasts, and the
// challenge sender can share the socket. Replies are written synchronously,
// which lets rejection paths close the socket without losing the reply.
type serverConn struct {
	conn          *websocket.Conn
	done          chan struct{}
	closeOnce     sync.Once
	authenticated atomic.Bool

	writeMu sync.Mutex
}

// New creates a mock gateway. Call Start (or use Handler with your own
// listener) before connecting clients.
func New(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "mock"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	s := &Server{
		authToken:      opts.AuthToken,
		version:        opts.Version,
		challengeDelay: opts.ChallengeDelay,
		logger:         opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:    make(map[*serverConn]struct{}),
		handlers: make(map[string]MethodHandler),
		sessions: make(map[string]*mockSession),
	}
	s.registerDefaults()
	return s
}

// Start binds the mock to an ephemeral port.
func Start(opts Options) *Server {
	s := New(opts)
	s.httpServer = httptest.NewServer(s.Handler())
	return s
}

// URL returns the ws:// URL clients should dial. Panics if not started.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Close shuts down the listener and every live connection.
func (s *Server) Close() {
	s.CloseConnections()
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// Handle overrides (or adds) the handler for one method.
func (s *Server) Handle(method string, fn MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Handler returns the HTTP handler that upgrades connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "error", err)
			return
		}
		sc := &serverConn{
			conn: conn,
			done: make(chan struct{}),
		}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		go s.readLoop(sc)
		go s.sendChallenge(sc)
	})
}

// CloseConnections abruptly drops every live connection, as a crashed gateway
// would.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.close()
	}
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SendEvent broadcasts an event with the next sequence number to every
// authenticated connection and records it in the session's history when the
// payload carries a sessionId.
func (s *Server) SendEvent(event string, payload any) {
	seq := s.seq.Add(1)
	frame, err := protocol.EncodeEvent(event, payload, seq)
	if err != nil {
		s.logger.Error("encode event", "error", err)
		return
	}
	s.recordEvent(event, payload, seq)

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		if sc.authenticated.Load() {
			conns = append(conns, sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.enqueue(frame)
	}
}

func (s *Server) recordEvent(event string, payload any, seq int64) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var probe struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.SessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[probe.SessionID]; ok {
		sess.history = append(sess.history, historyEntry{Event: event, Payload: data, Seq: seq})
	}
}

func (s *Server) sendChallenge(sc *serverConn) {
	if s.challengeDelay > 0 {
		select {
		case <-time.After(s.challengeDelay):
		case <-sc.done:
			return
		}
	}
	frame, err := protocol.EncodeEvent(protocol.EventChallenge, nil, 0)
	if err != nil {
		return
	}
	sc.enqueue(frame)
}

func (s *Server) readLoop(sc *serverConn) {
	defer func() {
		sc.close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, perr := protocol.Parse(data)
		if perr != nil || msg.Kind != protocol.TypeRequest {
			continue
		}
		s.handleRequest(sc, msg.Request)
	}
}

func (s *Server) handleRequest(sc *serverConn, req *protocol.Request) {
	if !sc.authenticated.Load() {
		s.handleConnect(sc, req)
		return
	}

	s.mu.Lock()
	handler := s.handlers[req.Method]
	s.mu.Unlock()

	if handler == nil {
		sc.reply(protocol.EncodeErrorResponse(req.ID, "method_not_found",
			fmt.Sprintf("unknown method %q", req.Method), nil))
		return
	}
	payload, errPayload := handler(req.Params)
	if errPayload != nil {
		sc.reply(protocol.EncodeErrorResponse(req.ID, errPayload.Code, errPayload.Message, errPayload.Data))
		return
	}
	sc.reply(protocol.EncodeResponse(req.ID, payload))
}

// handleConnect validates the challenge answer. Anything other than a valid
// connect request before authentication is rejected and the socket closed.
func (s *Server) handleConnect(sc *serverConn, req *protocol.Request) {
	if req.Method != protocol.MethodConnect {
		sc.reply(protocol.EncodeErrorResponse(req.ID, "not_authenticated",
			"connect handshake required", nil))
		sc.close()
		return
	}

	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		sc.reply(protocol.EncodeErrorResponse(req.ID, "bad_request", "malformed connect params", nil))
		sc.close()
		return
	}
	if params.MinProtocol > protocol.MaxProtocolVersion || params.MaxProtocol < protocol.MinProtocolVersion {
		sc.reply(protocol.EncodeErrorResponse(req.ID, "protocol_mismatch",
			fmt.Sprintf("unsupported protocol range [%d,%d]", params.MinProtocol, params.MaxProtocol), nil))
		sc.close()
		return
	}
	if s.authToken != "" && params.Auth.Token != s.authToken {
		sc.reply(protocol.EncodeErrorResponse(req.ID, "auth_failed", "invalid auth token", nil))
		sc.close()
		return
	}

	sc.authenticated.Store(true)
	sc.reply(protocol.EncodeResponse(req.ID, protocol.ConnectResult{
		Protocol: protocol.MaxProtocolVersion,
		Version:  s.version,
	}))
	s.logger.Info("client authenticated", "client_id", params.Client.ID)
}

func (sc *serverConn) reply(frame []byte, err error) {
	if err != nil {
		return
	}
	sc.enqueue(frame)
}

func (sc *serverConn) enqueue(frame []byte) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = sc.conn.WriteMessage(websocket.TextMessage, frame)
}

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		sc.conn.Close()
	})
}

// registerDefaults installs the built-in method handlers: a small in-memory
// session store plus ping and status.
func (s *Server) registerDefaults() {
	s.handlers["ping"] = func(json.RawMessage) (any, *protocol.ErrorPayload) {
		return map[string]bool{"pong": true}, nil
	}

	s.handlers["getStatus"] = func(json.RawMessage) (any, *protocol.ErrorPayload) {
		s.mu.Lock()
		active := 0
		for _, sess := range s.sessions {
			if sess.Status == "running" {
				active++
			}
		}
		s.mu.Unlock()
		return map[string]any{"version": s.version, "activeSessions": active}, nil
	}

	s.handlers["sendTask"] = func(params json.RawMessage) (any, *protocol.ErrorPayload) {
		var p struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Task == "" {
			return nil, &protocol.ErrorPayload{Code: "bad_request", Message: "task is required"}
		}
		sess := &mockSession{
			ID:        fmt.Sprintf("sess-%d", s.taskSeq.Add(1)),
			Status:    "running",
			CreatedAt: time.Now(),
		}
		s.mu.Lock()
		s.sessions[sess.ID] = sess
		s.mu.Unlock()
		return map[string]string{"sessionId": sess.ID}, nil
	}

	s.handlers["listSessions"] = func(json.RawMessage) (any, *protocol.ErrorPayload) {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := make([]*mockSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			list = append(list, sess)
		}
		return list, nil
	}

	s.handlers["getSessionHistory"] = func(params json.RawMessage) (any, *protocol.ErrorPayload) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &protocol.ErrorPayload{Code: "bad_request", Message: "sessionId is required"}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[p.SessionID]
		if !ok {
			return nil, &protocol.ErrorPayload{Code: "not_found", Message: "unknown session " + p.SessionID}
		}
		if sess.history == nil {
			return []historyEntry{}, nil
		}
		return sess.history, nil
	}

	s.handlers["stopSession"] = func(params json.RawMessage) (any, *protocol.ErrorPayload) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &protocol.ErrorPayload{Code: "bad_request", Message: "sessionId is required"}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[p.SessionID]
		if !ok {
			return nil, &protocol.ErrorPayload{Code: "not_found", Message: "unknown session " + p.SessionID}
		}
		sess.Status = "completed"
		return map[string]bool{"stopped": true}, nil
	}

	s.handlers["resumeSession"] = func(params json.RawMessage) (any, *protocol.ErrorPayload) {
		var p struct {
			SessionID string `json:"sessionId"`
			AfterSeq  int64  `json:"afterSeq"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &protocol.ErrorPayload{Code: "bad_request", Message: "sessionId is required"}
		}
		s.mu.Lock()
		sess, ok := s.sessions[p.SessionID]
		var replay []historyEntry
		if ok {
			for _, entry := range sess.history {
				if entry.Seq > p.AfterSeq {
					replay = append(replay, entry)
				}
			}
		}
		s.mu.Unlock()
		if !ok {
			return nil, &protocol.ErrorPayload{Code: "not_found", Message: "unknown session " + p.SessionID}
		}
		return map[string]any{"resumed": true, "replayed": len(replay)}, nil
	}
}
