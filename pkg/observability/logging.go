package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/parley/pkg/domain"
)

// LogHooks writes one structured record per lifecycle event.
// Message text is not logged; only its length.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(ctx context.Context, e *domain.TransitionEvent) {
			logger.InfoContext(ctx, "session_transition",
				"session_id", e.SessionID,
				"from", e.From,
				"to", e.To,
			)
		},
		OnMessage: func(ctx context.Context, e *domain.MessageEvent) {
			logger.DebugContext(ctx, "session_message",
				"session_id", e.SessionID,
				"length", len(e.Text),
			)
		},
		OnError: func(ctx context.Context, e *domain.ErrorEvent) {
			level := slog.LevelInfo
			if e.Fatal {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "session_error",
				"session_id", e.SessionID,
				"kind", e.Kind,
				"message", e.Message,
				"fatal", e.Fatal,
			)
		},
	}
}
