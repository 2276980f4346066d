// Package loader fetches the shared avatar widget script exactly once per
// process, collapsing concurrent requests into a single in-flight attempt.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"golang.org/x/sync/singleflight"
)

// LoadState is the lifecycle of the widget script.
type LoadState string

const (
	NotRequested LoadState = "not_requested"
	Loading      LoadState = "loading"
	Ready        LoadState = "ready"
	Failed       LoadState = "failed"
)

// DefaultLoadTimeout bounds a single shared load attempt.
const DefaultLoadTimeout = 30 * time.Second

// flightKey is the single singleflight key; there is only one script.
const flightKey = "widget-script"

// LoadStatus is a snapshot of the loader for status surfaces.
type LoadStatus struct {
	State    LoadState `json:"state"`
	Waiters  int       `json:"waiters"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// Loader implements ports.ScriptLoader.
type Loader struct {
	fetcher ports.ScriptFetcher
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
	onLoad  func(outcome LoadState, elapsed time.Duration)

	mu       sync.Mutex
	state    LoadState
	waiters  int
	attempts int
	script   []byte
	err      error
}

// Option configures the Loader.
type Option func(*Loader)

// WithLoadTimeout bounds each shared load attempt.
func WithLoadTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.timeout = d
	}
}

// WithLogger configures a logger for the Loader.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithLoadObserver registers a callback invoked after every finished attempt.
func WithLoadObserver(fn func(outcome LoadState, elapsed time.Duration)) Option {
	return func(l *Loader) {
		l.onLoad = fn
	}
}

// New creates a Loader in the NotRequested state.
func New(fetcher ports.ScriptFetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher: fetcher,
		timeout: DefaultLoadTimeout,
		logger:  logging.NewNop(),
		state:   NotRequested,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureLoaded returns once the script is Ready, or with the error of the
// attempt it joined. A Failed loader starts a fresh attempt; it never returns
// a stale failure. Cancelling ctx abandons only this caller's wait.
func (l *Loader) EnsureLoaded(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Ready {
		l.mu.Unlock()
		return nil
	}
	l.state = Loading
	l.waiters++
	l.mu.Unlock()

	ch := l.group.DoChan(flightKey, l.load)

	select {
	case res := <-ch:
		l.mu.Lock()
		l.waiters--
		l.mu.Unlock()
		return res.Err
	case <-ctx.Done():
		l.mu.Lock()
		l.waiters--
		l.mu.Unlock()
		return ctx.Err()
	}
}

// load runs the fetch side effect. singleflight guarantees one at a time.
func (l *Loader) load() (any, error) {
	l.mu.Lock()
	if l.state == Ready {
		// A previous flight finished between our state check and DoChan.
		l.mu.Unlock()
		return nil, nil
	}
	l.attempts++
	attempt := l.attempts
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	start := time.Now()
	l.logger.Debug("Loading widget script", "attempt", attempt)
	script, err := l.fetcher.Fetch(ctx)
	elapsed := time.Since(start)

	l.mu.Lock()
	if err != nil {
		l.state = Failed
		l.err = fmt.Errorf("%w: %w", domain.ErrScriptLoad, err)
		err = l.err
	} else {
		l.state = Ready
		l.script = script
		l.err = nil
	}
	outcome := l.state
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("Widget script failed to load", "attempt", attempt, "err", err)
	} else {
		l.logger.Info("Widget script loaded", "attempt", attempt, "bytes", len(script), "elapsed", elapsed)
	}
	if l.onLoad != nil {
		l.onLoad(outcome, elapsed)
	}
	return nil, err
}

// Status returns a snapshot of the loader.
func (l *Loader) Status() LoadStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := LoadStatus{
		State:    l.state,
		Waiters:  l.waiters,
		Attempts: l.attempts,
	}
	if l.err != nil {
		st.Error = l.err.Error()
	}
	return st
}

// Script returns the loaded script, if Ready.
func (l *Loader) Script() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Ready {
		return nil, false
	}
	return l.script, true
}
