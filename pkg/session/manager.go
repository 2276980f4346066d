package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// persistTimeout bounds a single snapshot write.
const persistTimeout = 5 * time.Second

// Manager owns every controller of the process. All controllers share the
// same exclusivity lock, script loader, mounter and router.
type Manager struct {
	deps     Deps
	store    ports.SnapshotStore
	logger   *slog.Logger
	ctrlOpts []Option

	mu       sync.RWMutex
	sessions map[string]*Controller
	channels map[string]string // channel -> session id

	// saving serializes snapshot writes per session id (*sync.Mutex).
	saving sync.Map
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithStore persists a snapshot of each session on every change.
func WithStore(store ports.SnapshotStore) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithManagerLogger configures a logger for the Manager and its controllers.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithControllerOptions applies opts to every controller the Manager creates.
func WithControllerOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.ctrlOpts = append(m.ctrlOpts, opts...)
	}
}

// NewManager creates a Manager over the shared deps.
func NewManager(deps Deps, opts ...ManagerOption) *Manager {
	m := &Manager{
		deps:     deps,
		logger:   logging.NewNop(),
		sessions: make(map[string]*Controller),
		channels: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register validates params and creates an Idle controller for them.
// Ids and message channels must be unique; two sessions on one channel would
// receive each other's transcripts.
func (m *Manager) Register(ctx context.Context, params domain.SessionParams) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[params.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %q", domain.ErrSessionExists, params.ID)
	}
	if owner, taken := m.channels[params.Channel]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %q is used by %q", domain.ErrSessionExists, params.Channel, owner)
	}

	opts := make([]Option, 0, len(m.ctrlOpts)+2)
	opts = append(opts, WithLogger(m.logger))
	opts = append(opts, m.ctrlOpts...)
	if m.store != nil {
		opts = append(opts, WithHooks(m.persistHooks()))
	}
	c := NewController(params, m.deps, opts...)
	m.sessions[params.ID] = c
	m.channels[params.Channel] = params.ID
	m.mu.Unlock()

	m.persist(ctx, c)
	m.logger.Info("Session registered", "session_id", params.ID, "channel", params.Channel)
	return c, nil
}

// Get returns the controller registered under id.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrSessionNotFound, id)
	}
	return c, nil
}

// List returns snapshots of every registered session ordered by id.
func (m *Manager) List() []domain.Snapshot {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		ctrls = append(ctrls, c)
	}
	m.mu.RUnlock()

	snaps := make([]domain.Snapshot, 0, len(ctrls))
	for _, c := range ctrls {
		snaps = append(snaps, c.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b domain.Snapshot) int {
		return strings.Compare(a.ID, b.ID)
	})
	return snaps
}

// Activate activates the session registered under id.
func (m *Manager) Activate(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.Activate(ctx)
}

// Deactivate deactivates the session registered under id.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.Deactivate(ctx)
}

// Retry schedules a recovery attempt for the session registered under id.
func (m *Manager) Retry(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.Retry(ctx)
}

// ActiveSession reports which session holds the exclusivity lock, if any.
// With a shared lock the owner may live on another replica.
func (m *Manager) ActiveSession(ctx context.Context) (string, bool, error) {
	return m.deps.Lock.Owner(ctx)
}

// Unregister closes the session and forgets it.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", domain.ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	delete(m.channels, c.Params().Channel)
	m.mu.Unlock()

	err := c.Close(ctx)
	m.saving.Delete(id)
	if m.store != nil {
		if derr := m.store.Delete(ctx, id); derr != nil {
			err = errors.Join(err, fmt.Errorf("failed to delete snapshot: %w", derr))
		}
	}
	return err
}

// Close deactivates every session. Registered sessions stay listed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		ctrls = append(ctrls, c)
	}
	m.mu.RUnlock()

	var errs []error
	for _, c := range ctrls {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// persistHooks save a snapshot whenever the session state or its last error
// may have changed.
func (m *Manager) persistHooks() domain.LifecycleHooks {
	save := func(ctx context.Context, id string) {
		c, err := m.Get(id)
		if err != nil {
			return
		}
		m.persist(ctx, c)
	}
	return domain.LifecycleHooks{
		OnTransition: func(ctx context.Context, e *domain.TransitionEvent) { save(ctx, e.SessionID) },
		OnError:      func(ctx context.Context, e *domain.ErrorEvent) { save(ctx, e.SessionID) },
	}
}

func (m *Manager) persist(ctx context.Context, c *Controller) {
	if m.store == nil {
		return
	}
	// Snapshots are written during shutdown too, after request contexts end.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	// Hooks fire on whichever goroutine made the change. Taking the snapshot
	// under the per-session mutex means the last write is always the newest.
	mu, _ := m.saving.LoadOrStore(c.ID(), &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	snap := c.Snapshot()
	if err := m.store.Save(ctx, c.ID(), &snap); err != nil {
		m.logger.Warn("Failed to persist session snapshot", "session_id", c.ID(), "err", err)
	}
}
