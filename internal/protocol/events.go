package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionEventType classifies a normalized session event.
type SessionEventType string

const (
	// SessionEventProgress reports incremental progress. It is also the
	// fallback for wire event names the client does not recognize.
	SessionEventProgress SessionEventType = "progress"

	// SessionEventToolCall reports a tool invocation by the agent.
	SessionEventToolCall SessionEventType = "tool_call"

	// SessionEventThinking reports agent reasoning content.
	SessionEventThinking SessionEventType = "thinking"

	// SessionEventComplete reports that the session finished.
	SessionEventComplete SessionEventType = "complete"

	// SessionEventError reports a session-level failure.
	SessionEventError SessionEventType = "error"

	// SessionEventOutput reports agent output content.
	SessionEventOutput SessionEventType = "output"
)

// SessionEvent is the normalized, client-internal form of a wire event.
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	Data      json.RawMessage
	Seq       int64
	Timestamp time.Time
}

// eventTypeNames maps the last dot-segment of a wire event name to a
// normalized type. Unlisted names fall back to progress.
var eventTypeNames = map[string]SessionEventType{
	"progress":  SessionEventProgress,
	"tool_call": SessionEventToolCall,
	"tool":      SessionEventToolCall,
	"thinking":  SessionEventThinking,
	"complete":  SessionEventComplete,
	"completed": SessionEventComplete,
	"done":      SessionEventComplete,
	"error":     SessionEventError,
	"failed":    SessionEventError,
	"output":    SessionEventOutput,
}

// NormalizeEventType maps a wire event name to a SessionEventType. The
// mapping is total: unrecognized names yield SessionEventProgress, never an
// error, so new gateway event kinds degrade gracefully.
func NormalizeEventType(name string) SessionEventType {
	last := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		last = name[i+1:]
	}
	if t, ok := eventTypeNames[last]; ok {
		return t
	}
	return SessionEventProgress
}

// NormalizeEvent converts a wire event into a SessionEvent. The session id is
// read from the payload's "sessionId" field and is empty when absent.
func NormalizeEvent(ev *Event, now time.Time) SessionEvent {
	var ref struct {
		SessionID string `json:"sessionId"`
	}
	if len(ev.Payload) > 0 {
		// Best effort: a payload that is not an object simply has no session id.
		_ = json.Unmarshal(ev.Payload, &ref)
	}
	return SessionEvent{
		Type:      NormalizeEventType(ev.Event),
		SessionID: ref.SessionID,
		Data:      ev.Payload,
		Seq:       ev.Seq,
		Timestamp: now,
	}
}
