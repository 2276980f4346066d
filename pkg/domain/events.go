package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventTransition EventType = "state"
	EventMessage    EventType = "message"
	EventError      EventType = "error"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

// TransitionEvent is emitted on every state change of a session.
type TransitionEvent struct {
	EventBase
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

// MessageEvent carries a transcript message received from the widget.
type MessageEvent struct {
	EventBase
	Text string `json:"text"`
}

// ErrorEvent carries a classified error and whether it ended the session.
type ErrorEvent struct {
	EventBase
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
}

// LifecycleHooks defines callbacks for session observability.
// OnMessage and OnError double as the outbound callbacks of the embedding page.
type LifecycleHooks struct {
	OnTransition func(context.Context, *TransitionEvent)
	OnMessage    func(context.Context, *MessageEvent)
	OnError      func(context.Context, *ErrorEvent)
}

// Merge returns hooks that call h first and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnTransition: chain(h.OnTransition, other.OnTransition),
		OnMessage:    chain(h.OnMessage, other.OnMessage),
		OnError:      chain(h.OnError, other.OnError),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
