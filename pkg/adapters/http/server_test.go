package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct{ err error }

func (f stubFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("/* widget */"), nil
}

func avatar(id string) domain.SessionParams {
	return domain.SessionParams{
		ID:       id,
		Token:    "token",
		AgentID:  "agent-" + id,
		Position: domain.PositionLeft,
		Channel:  id,
	}
}

func newTestServer(t *testing.T, fetcher stubFetcher) (*httptest.Server, *parley.Hub) {
	t.Helper()
	streams := NewStreamManager(logging.NewNop())
	cfg := config.Config{
		ScriptLoadTimeout: time.Second,
		SettleDelay:       10 * time.Millisecond,
		RetryBackoff:      20 * time.Millisecond,
	}
	hub, err := parley.New(context.Background(), cfg,
		parley.WithFetcher(fetcher),
		parley.WithLifecycleHooks(streams.Hooks()),
	)
	require.NoError(t, err)
	require.NoError(t, hub.Register(context.Background(), []domain.SessionParams{avatar("a"), avatar("b")}))

	srv := NewServer(hub.Sessions,
		WithScript(hub.Loader),
		WithElements(hub.Widgets),
		WithPublisher(hub.Bus),
		WithStreams(streams),
		WithMetrics(hub.Metrics.Handler()),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Close(context.Background())
	})
	return ts, hub
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSpec_IsValid(t *testing.T) {
	doc, err := Spec()
	require.NoError(t, err)
	assert.Equal(t, "Parley API", doc.Info.Title)
	assert.NotNil(t, doc.Paths.Find("/sessions/{id}/activate"))
}

func TestHealthAndInfo(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{})

	resp := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	info := decode[infoResponse](t, get(t, ts.URL+"/info"))
	assert.Equal(t, "parley-http", info.App)
	assert.Equal(t, strings.TrimSpace(parley.Version), info.Version)
	assert.Equal(t, "0.1.0", info.APIVersion)
	require.NotNil(t, info.Script)
	assert.Equal(t, "not_requested", string(info.Script.State))

	resp = get(t, ts.URL+"/openapi.yaml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWidgetScript(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{})

	resp := get(t, ts.URL+"/widget.js")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
}

func TestWidgetScript_Failure(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{err: assert.AnError})

	resp := get(t, ts.URL+"/widget.js")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, domain.KindScriptLoad, body.Kind)
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{})

	list := decode[[]domain.Snapshot](t, get(t, ts.URL+"/sessions"))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	resp := post(t, ts.URL+"/sessions/a/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StateActive, decode[domain.Snapshot](t, resp).State)

	resp = post(t, ts.URL+"/sessions/b/activate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, domain.KindDuplicateSession, decode[errorResponse](t, resp).Kind)

	resp = get(t, ts.URL+"/sessions/a/element")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, _ = bufio.NewReader(resp.Body).WriteTo(buf)
	assert.Contains(t, buf.String(), `<simli-widget token="token" agentid="agent-a"`)

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/sessions/b/element").StatusCode)

	resp = post(t, ts.URL+"/sessions/a/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, ts.URL+"/sessions/a/deactivate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StateIdle, decode[domain.Snapshot](t, resp).State)

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/sessions/ghost").StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, ts.URL+"/sessions/ghost/activate", "").StatusCode)
}

func TestPublishNotification_FatalErrorThenRetry(t *testing.T) {
	ts, hub := newTestServer(t, stubFetcher{})

	require.Equal(t, http.StatusOK, post(t, ts.URL+"/sessions/a/activate", "").StatusCode)

	resp := post(t, ts.URL+"/bus/a:error", `{"error":"401 unauthorized"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		c, _ := hub.Sessions.Get("a")
		return c.State() == domain.StateError
	}, 2*time.Second, 5*time.Millisecond)

	snap := decode[domain.Snapshot](t, get(t, ts.URL+"/sessions/a"))
	require.NotNil(t, snap.LastError)
	assert.Equal(t, domain.KindAuth, snap.LastError.Kind)

	resp = post(t, ts.URL+"/sessions/a/activate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, ts.URL+"/sessions/a/retry", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, domain.StateIdle, decode[domain.Snapshot](t, resp).State)

	require.Eventually(t, func() bool {
		c, _ := hub.Sessions.Get("a")
		return c.State() == domain.StateActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishNotification_Rejects(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{})

	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/bus/a", "").StatusCode)
	big := strings.Repeat("x", maxNotificationSize+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(t, ts.URL+"/bus/a", big).StatusCode)
}

func TestSubscribeEvents(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/a/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ping\n", line)

	require.Equal(t, http.StatusOK, post(t, ts.URL+"/sessions/a/activate", "").StatusCode)
	require.Equal(t, http.StatusAccepted, post(t, ts.URL+"/bus/a", `{"message":"hi there"}`).StatusCode)

	var events []string
	deadline := time.After(2 * time.Second)
	for len(events) < 3 {
		lineCh := make(chan string, 1)
		go func() {
			l, _ := reader.ReadString('\n')
			lineCh <- l
		}()
		select {
		case l := <-lineCh:
			if strings.HasPrefix(l, "event: ") && !strings.Contains(l, "ping") {
				events = append(events, strings.TrimSpace(strings.TrimPrefix(l, "event: ")))
			}
		case <-deadline:
			t.Fatalf("timed out, got events %v", events)
		}
	}
	assert.Equal(t, []string{"state", "state", "message"}, events)

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/sessions/ghost/events").StatusCode)
}

func TestBridge(t *testing.T) {
	ts, hub := newTestServer(t, stubFetcher{})
	require.Equal(t, http.StatusOK, post(t, ts.URL+"/sessions/a/activate", "").StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	var reply errorResponse
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "channel")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"channel": domain.GlobalErrorChannel,
		"payload": map[string]string{"error": "This iframe was already used"},
	}))

	require.Eventually(t, func() bool {
		c, _ := hub.Sessions.Get("a")
		return c.State() == domain.StateError
	}, 2*time.Second, 5*time.Millisecond)
	c, _ := hub.Sessions.Get("a")
	assert.Equal(t, domain.KindDuplicateWidget, c.LastError().Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, stubFetcher{})
	require.Equal(t, http.StatusOK, post(t, ts.URL+"/sessions/a/activate", "").StatusCode)

	resp := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, _ = bufio.NewReader(resp.Body).WriteTo(buf)
	assert.Contains(t, buf.String(), "parley_sessions_active 1")
}
