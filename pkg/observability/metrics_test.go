package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/loader"
	"github.com/aretw0/parley/pkg/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transition(from, to domain.SessionState) *domain.TransitionEvent {
	return &domain.TransitionEvent{
		EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventTransition, SessionID: "a"},
		From:      from,
		To:        to,
	}
}

func TestMetrics_Hooks(t *testing.T) {
	m := observability.NewMetrics()
	hooks := m.Hooks()
	ctx := context.Background()

	hooks.OnTransition(ctx, transition(domain.StateIdle, domain.StateActivating))
	hooks.OnTransition(ctx, transition(domain.StateActivating, domain.StateActive))
	hooks.OnMessage(ctx, &domain.MessageEvent{EventBase: domain.EventBase{SessionID: "a"}, Text: "hi"})
	hooks.OnError(ctx, &domain.ErrorEvent{Kind: domain.KindTTS})

	expected := `
# HELP parley_sessions_active Sessions currently holding the exclusivity lock in this process
# TYPE parley_sessions_active gauge
parley_sessions_active 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "parley_sessions_active"))

	hooks.OnTransition(ctx, transition(domain.StateActive, domain.StateError))
	hooks.OnError(ctx, &domain.ErrorEvent{Kind: domain.KindAuth, Fatal: true})

	expected = `
# HELP parley_session_errors_total Widget and activation errors by kind
# TYPE parley_session_errors_total counter
parley_session_errors_total{fatal="false",kind="tts"} 1
parley_session_errors_total{fatal="true",kind="auth"} 1
# HELP parley_sessions_active Sessions currently holding the exclusivity lock in this process
# TYPE parley_sessions_active gauge
parley_sessions_active 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"parley_session_errors_total", "parley_sessions_active"))
	count, err := testutil.GatherAndCount(m.Registry(), "parley_session_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMetrics_ScriptLoadsAndHandler(t *testing.T) {
	m := observability.NewMetrics()
	m.ObserveScriptLoad(loader.Failed, 10*time.Millisecond)
	m.ObserveScriptLoad(loader.Ready, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `parley_script_loads_total{outcome="failed"} 1`)
	assert.Contains(t, body, `parley_script_loads_total{outcome="ready"} 1`)
	assert.Contains(t, body, "parley_script_load_duration_seconds_count 2")
}

func TestLogHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hooks := observability.LogHooks(logger)
	ctx := context.Background()

	hooks.OnTransition(ctx, transition(domain.StateIdle, domain.StateActivating))
	hooks.OnMessage(ctx, &domain.MessageEvent{EventBase: domain.EventBase{SessionID: "a"}, Text: "secret words"})
	hooks.OnError(ctx, &domain.ErrorEvent{EventBase: domain.EventBase{SessionID: "a"}, Kind: domain.KindAuth, Fatal: true})

	out := buf.String()
	assert.Contains(t, out, `"msg":"session_transition"`)
	assert.Contains(t, out, `"to":"activating"`)
	assert.Contains(t, out, `"length":12`)
	assert.NotContains(t, out, "secret words")
	assert.Contains(t, out, `"level":"WARN"`)
}
