package gateway

import (
	"log/slog"
	"sync"

	"github.com/taskmesh/gateway/internal/protocol"
)

// AllSessions is the wildcard session key: a subscriber registered under it
// receives a copy of every event regardless of session id.
const AllSessions = "*"

// EventHandler receives normalized session events. Handlers are invoked
// synchronously on the read loop, so they must return quickly; a panicking
// handler is recovered and logged without affecting other subscribers.
type EventHandler func(protocol.SessionEvent)

// subscription is one registered handler. Its identity (pointer) keys the
// multiset, so registering the same function twice yields two deliveries.
type subscription struct {
	sessionID string
	handler   EventHandler
}

// eventRouter fans incoming events out to per-session and wildcard
// subscribers. Subscriptions survive reconnects; only an explicit unsubscribe
// removes them.
type eventRouter struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

func newEventRouter(logger *slog.Logger) *eventRouter {
	return &eventRouter{
		logger: logger,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// subscribe registers a handler for a session id (or AllSessions) and returns
// an idempotent unsubscribe function.
func (r *eventRouter) subscribe(sessionID string, handler EventHandler) func() {
	sub := &subscription{sessionID: sessionID, handler: handler}

	r.mu.Lock()
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		r.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		set, ok := r.subs[sessionID]
		if !ok {
			return
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, sessionID)
		}
	}
}

// dispatch delivers an event to every exact-session and wildcard subscriber.
// A handler panic is recovered and logged so one faulty subscriber cannot
// prevent delivery to the others or kill the read loop.
func (r *eventRouter) dispatch(ev protocol.SessionEvent) {
	r.mu.RLock()
	targets := make([]*subscription, 0, 4)
	if ev.SessionID != "" {
		for sub := range r.subs[ev.SessionID] {
			targets = append(targets, sub)
		}
	}
	for sub := range r.subs[AllSessions] {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		r.invoke(sub, ev)
	}
}

func (r *eventRouter) invoke(sub *subscription, ev protocol.SessionEvent) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("event subscriber panicked",
				"session_id", sub.sessionID,
				"event_type", string(ev.Type),
				"panic", rec)
		}
	}()
	sub.handler(ev)
}

// subscriberCount returns the number of subscribers for a session key.
func (r *eventRouter) subscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[sessionID])
}
