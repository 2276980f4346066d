package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/bus"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/loader"
	"github.com/aretw0/parley/pkg/lock"
	"github.com/aretw0/parley/pkg/router"
	"github.com/aretw0/parley/pkg/session"
	"github.com/aretw0/parley/pkg/widget"
	"github.com/stretchr/testify/require"
)

const (
	testSettle  = 10 * time.Millisecond
	testBackoff = 20 * time.Millisecond
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// scriptFetcher fails the first `failures` calls, then serves a script.
type scriptFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	gate     chan struct{}
}

func (f *scriptFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("cdn unreachable")
	}
	return []byte("customElements.define('simli-widget', class {})"), nil
}

type harness struct {
	bus     *bus.Bus
	lock    *lock.Local
	fetcher *scriptFetcher
	loader  *loader.Loader
	widgets *widget.Registry
	events  *recorder
	deps    session.Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:     bus.NewInMemory(logging.NewNop()),
		lock:    lock.NewLocal(),
		fetcher: &scriptFetcher{},
		widgets: widget.NewRegistry(),
		events:  &recorder{},
	}
	h.loader = loader.New(h.fetcher)
	h.deps = session.Deps{
		Lock:    h.lock,
		Loader:  h.loader,
		Mounter: h.widgets,
		Router:  router.New(h.bus),
	}
	t.Cleanup(func() { _ = h.bus.Close() })
	return h
}

func (h *harness) controller(t *testing.T, id string, mutate ...func(*domain.SessionParams)) *session.Controller {
	t.Helper()
	p := avatar(id)
	for _, fn := range mutate {
		fn(&p)
	}
	c := session.NewController(p, h.deps,
		session.WithSettleDelay(testSettle),
		session.WithRetryBackoff(testBackoff),
		session.WithHooks(h.events.hooks()),
	)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func (h *harness) publish(t *testing.T, channel, payload string) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), channel, []byte(payload)))
}

func (h *harness) owner(t *testing.T) string {
	t.Helper()
	id, _, err := h.lock.Owner(context.Background())
	require.NoError(t, err)
	return id
}

func avatar(id string) domain.SessionParams {
	return domain.SessionParams{
		ID:          id,
		Token:       "token-" + id,
		AgentID:     "agent-" + id,
		Position:    domain.PositionRight,
		Channel:     id,
		DisplayText: "Talk to " + id,
	}
}

// recorder captures outbound callbacks.
type recorder struct {
	mu          sync.Mutex
	transitions []domain.TransitionEvent
	messages    []domain.MessageEvent
	errors      []domain.ErrorEvent
}

func (r *recorder) hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(_ context.Context, e *domain.TransitionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, *e)
		},
		OnMessage: func(_ context.Context, e *domain.MessageEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, *e)
		},
		OnError: func(_ context.Context, e *domain.ErrorEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, *e)
		},
	}
}

func (r *recorder) statesOf(id string) []domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionState
	for _, e := range r.transitions {
		if e.SessionID == id {
			out = append(out, e.To)
		}
	}
	return out
}

func (r *recorder) messagesOf(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.messages {
		if e.SessionID == id {
			out = append(out, e.Text)
		}
	}
	return out
}

func (r *recorder) errorsOf(id string) []domain.ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ErrorEvent
	for _, e := range r.errors {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out
}
