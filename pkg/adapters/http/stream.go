package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aretw0/parley/pkg/domain"
)

// StreamEvent is one server-sent event.
type StreamEvent struct {
	Name string
	Data []byte
}

// StreamManager fans session events out to SSE connections.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan StreamEvent]struct{} // SessionID -> Set of Channels
	logger      *slog.Logger
}

// NewStreamManager creates an empty manager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan StreamEvent]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a listener for sessionID. Call the returned func to
// unsubscribe; it closes the channel.
func (sm *StreamManager) Subscribe(sessionID string) (<-chan StreamEvent, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan StreamEvent, 16)
	if _, ok := sm.subscribers[sessionID]; !ok {
		sm.subscribers[sessionID] = make(map[chan StreamEvent]struct{})
	}
	sm.subscribers[sessionID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if subs, ok := sm.subscribers[sessionID]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(sm.subscribers, sessionID)
				}
			}
		})
	}
}

// Broadcast delivers ev to every listener of sessionID without blocking.
func (sm *StreamManager) Broadcast(sessionID string, ev StreamEvent) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[sessionID] {
		select {
		case ch <- ev:
		default:
			// Drop message if channel is full (slow client)
			sm.logger.Warn("SSE: Client buffer full, dropping event", "session_id", sessionID, "event", ev.Name)
		}
	}
}

// Hooks broadcasts every lifecycle event of every session to its listeners.
func (sm *StreamManager) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(_ context.Context, e *domain.TransitionEvent) { sm.publish(e.SessionID, e.Type, e) },
		OnMessage:    func(_ context.Context, e *domain.MessageEvent) { sm.publish(e.SessionID, e.Type, e) },
		OnError:      func(_ context.Context, e *domain.ErrorEvent) { sm.publish(e.SessionID, e.Type, e) },
	}
}

func (sm *StreamManager) publish(sessionID string, t domain.EventType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		sm.logger.Error("SSE: failed to encode event", "session_id", sessionID, "err", err)
		return
	}
	sm.Broadcast(sessionID, StreamEvent{Name: string(t), Data: data})
}
