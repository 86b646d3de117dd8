// Package protocol defines the wire format spoken between the gateway client
// and the agent execution gateway.
//
// # Wire Protocol Overview
//
// All traffic is JSON text frames over a single WebSocket connection. Three
// frame kinds exist, discriminated by the "type" field:
//
//	{"type":"req","id":"42","method":"session.send","params":{...}}
//	{"type":"res","id":"42","ok":true,"payload":{...}}
//	{"type":"res","id":"42","ok":false,"error":{"code":"...","message":"..."}}
//	{"type":"event","event":"session.progress","payload":{...},"seq":7}
//
// Requests carry a correlation id that the gateway echoes back on the matching
// response. Events are unsolicited and carry no correlation id.
//
// Decoding is total: Parse returns an error for malformed input but never
// panics, so a read loop can log and drop bad frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	// TypeRequest is a client-to-gateway method invocation.
	TypeRequest = "req"

	// TypeResponse is the gateway's reply to a request, matched by id.
	TypeResponse = "res"

	// TypeEvent is an unsolicited gateway-to-client notification.
	TypeEvent = "event"
)

// Request is a client-to-gateway method invocation.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload carries a gateway-side error on a failed response.
type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the gateway's reply to a request.
// OK indicates success; on failure Error is set and Payload is empty.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Event is an unsolicited notification pushed by the gateway.
// Seq is an optional monotonically increasing sequence number (0 when absent).
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// Message is a decoded wire frame. Exactly one of Request, Response or Event
// is non-nil, matching Kind.
type Message struct {
	Kind     string
	Request  *Request
	Response *Response
	Event    *Event
}

// Parse decodes a raw wire frame. It returns an error for malformed JSON,
// a missing "type" field, or an unknown frame kind. It never panics.
func Parse(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, fmt.Errorf("parse frame: %w", err)
	}

	switch probe.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return Message{}, fmt.Errorf("parse request frame: %w", err)
		}
		return Message{Kind: TypeRequest, Request: &req}, nil

	case TypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return Message{}, fmt.Errorf("parse response frame: %w", err)
		}
		if res.ID == "" {
			return Message{}, fmt.Errorf("parse response frame: missing id")
		}
		return Message{Kind: TypeResponse, Response: &res}, nil

	case TypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return Message{}, fmt.Errorf("parse event frame: %w", err)
		}
		if ev.Event == "" {
			return Message{}, fmt.Errorf("parse event frame: missing event name")
		}
		return Message{Kind: TypeEvent, Event: &ev}, nil

	case "":
		return Message{}, fmt.Errorf("parse frame: missing type field")

	default:
		return Message{}, fmt.Errorf("parse frame: unknown type %q", probe.Type)
	}
}

// EncodeRequest builds the wire bytes for a request. A nil params value is
// omitted from the frame entirely (not encoded as JSON null).
func EncodeRequest(id, method string, params any) ([]byte, error) {
	req := Request{Type: TypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode request params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// EncodeResponse builds the wire bytes for a successful response.
func EncodeResponse(id string, payload any) ([]byte, error) {
	res := Response{Type: TypeResponse, ID: id, OK: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode response payload: %w", err)
		}
		res.Payload = raw
	}
	return json.Marshal(res)
}

// EncodeErrorResponse builds the wire bytes for a failed response. data is
// optional structured detail; nil omits it.
func EncodeErrorResponse(id, code, message string, data json.RawMessage) ([]byte, error) {
	res := Response{
		Type:  TypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorPayload{Code: code, Message: message, Data: data},
	}
	return json.Marshal(res)
}

// EncodeEvent builds the wire bytes for an event frame. seq <= 0 omits the
// sequence number.
func EncodeEvent(name string, payload any, seq int64) ([]byte, error) {
	ev := Event{Type: TypeEvent, Event: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode event payload for %s: %w", name, err)
		}
		ev.Payload = raw
	}
	if seq > 0 {
		ev.Seq = seq
	}
	return json.Marshal(ev)
}
