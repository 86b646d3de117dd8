package gatewaytest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/gateway/internal/protocol"
)

var testDialer = websocket.Dialer{HandshakeTimeout: 5 * time.Second}

func dialMock(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := testDialer.Dial(s.URL(), nil)
	if err != nil {
		t.Fatalf("dial mock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse frame %s: %v", data, err)
	}
	return msg
}

func writeRequest(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func TestChallengeIsFirstFrame(t *testing.T) {
	s := Start(Options{})
	defer s.Close()

	conn := dialMock(t, s)
	msg := readFrame(t, conn)
	if msg.Kind != protocol.TypeEvent || msg.Event.Event != protocol.EventChallenge {
		t.Fatalf("first frame = %+v, want challenge event", msg)
	}
}

func TestRequestBeforeAuthIsRejected(t *testing.T) {
	s := Start(Options{})
	defer s.Close()

	conn := dialMock(t, s)
	readFrame(t, conn) // challenge

	writeRequest(t, conn, "1", "ping", nil)
	msg := readFrame(t, conn)
	if msg.Kind != protocol.TypeResponse || msg.Response.OK {
		t.Fatalf("response = %+v, want rejection", msg)
	}
	if msg.Response.Error.Code != "not_authenticated" {
		t.Errorf("error code = %q, want not_authenticated", msg.Response.Error.Code)
	}
}

func TestProtocolMismatchIsRejected(t *testing.T) {
	s := Start(Options{})
	defer s.Close()

	conn := dialMock(t, s)
	readFrame(t, conn) // challenge

	writeRequest(t, conn, "1", protocol.MethodConnect, protocol.ConnectParams{
		MinProtocol: 99,
		MaxProtocol: 99,
	})
	msg := readFrame(t, conn)
	if msg.Response.OK || msg.Response.Error.Code != "protocol_mismatch" {
		t.Fatalf("response = %+v, want protocol_mismatch", msg.Response)
	}
}

func TestConnectAcceptedAndMethodsServed(t *testing.T) {
	s := Start(Options{AuthToken: "hunter2", Version: "0.9"})
	defer s.Close()

	conn := dialMock(t, s)
	readFrame(t, conn) // challenge

	writeRequest(t, conn, "1", protocol.MethodConnect, protocol.ConnectParams{
		MinProtocol: protocol.MinProtocolVersion,
		MaxProtocol: protocol.MaxProtocolVersion,
		Auth:        protocol.AuthInfo{Token: "hunter2"},
	})
	msg := readFrame(t, conn)
	if !msg.Response.OK {
		t.Fatalf("connect rejected: %+v", msg.Response.Error)
	}
	var result protocol.ConnectResult
	if err := json.Unmarshal(msg.Response.Payload, &result); err != nil {
		t.Fatalf("decode connect result: %v", err)
	}
	if result.Version != "0.9" {
		t.Errorf("version = %q, want 0.9", result.Version)
	}

	writeRequest(t, conn, "2", "ping", nil)
	msg = readFrame(t, conn)
	if !msg.Response.OK || msg.Response.ID != "2" {
		t.Fatalf("ping response = %+v", msg.Response)
	}

	writeRequest(t, conn, "3", "noSuchMethod", nil)
	msg = readFrame(t, conn)
	if msg.Response.OK || msg.Response.Error.Code != "method_not_found" {
		t.Fatalf("unknown method response = %+v", msg.Response)
	}
}
