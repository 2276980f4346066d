package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/aretw0/parley/pkg/router"
)

const (
	// DefaultSettleDelay is how long a freshly mounted widget is left alone
	// before the session counts as Active. Nothing signals "mounted".
	DefaultSettleDelay = 1 * time.Second

	// DefaultRetryBackoff is the wait before the single activation attempt
	// scheduled by Retry.
	DefaultRetryBackoff = 1 * time.Second

	// releaseTimeout bounds lock release during teardown.
	releaseTimeout = 5 * time.Second

	// maxRenewFailures is how many lease renewals in a row may fail with an
	// error before the session gives the lock up.
	maxRenewFailures = 2
)

// Deps are the collaborators shared by every controller.
type Deps struct {
	Lock    ports.ExclusivityLock
	Loader  ports.ScriptLoader
	Mounter ports.Mounter
	Router  *router.Router
}

// Controller drives the activation state machine of one embedded avatar.
//
// Every transition happens under mu. Hooks run after mu is released, so a
// hook may call back into the controller.
type Controller struct {
	params       domain.SessionParams
	deps         Deps
	hooks        domain.LifecycleHooks
	logger       *slog.Logger
	settleDelay  time.Duration
	retryBackoff time.Duration
	renewEvery   time.Duration

	// base outlives individual requests; retry activations run under it.
	base       context.Context
	cancelBase context.CancelFunc

	mu         sync.Mutex
	state      domain.SessionState
	lastError  *domain.SessionError
	updatedAt  time.Time
	widget     ports.Widget
	sub        *router.Subscription
	generation uint64
	cancelAct  context.CancelFunc
	stopRenew  context.CancelFunc
	retryTimer *time.Timer
	retrySeq   uint64
	closed     bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.settleDelay = d
	}
}

// WithRetryBackoff overrides DefaultRetryBackoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Controller) {
		c.retryBackoff = d
	}
}

// WithLockRenewal re-acquires the exclusivity lock every interval while the
// session holds it. Use it with locks that expire, at a fraction of the lease.
// Losing the lock is fatal for the session.
func WithLockRenewal(interval time.Duration) Option {
	return func(c *Controller) {
		c.renewEvery = interval
	}
}

// WithHooks registers lifecycle callbacks (the page's onMessageReceived/onError).
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(c *Controller) {
		c.hooks = c.hooks.Merge(hooks)
	}
}

// WithLogger configures a logger for the Controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates an Idle controller. The message channel is fixed for
// the lifetime of the controller.
func NewController(params domain.SessionParams, deps Deps, opts ...Option) *Controller {
	c := &Controller{
		params:       params,
		deps:         deps,
		logger:       logging.NewNop(),
		settleDelay:  DefaultSettleDelay,
		retryBackoff: DefaultRetryBackoff,
		state:        domain.StateIdle,
		updatedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session_id", params.ID)
	c.base, c.cancelBase = context.WithCancel(context.Background())
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.params.ID
}

// Params returns the construction parameters.
func (c *Controller) Params() domain.SessionParams {
	return c.params
}

// State returns the current state.
func (c *Controller) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns a copy of the last recorded error, if any.
func (c *Controller) LastError() *domain.SessionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyError(c.lastError)
}

// Snapshot returns a serializable view of the session.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		ID:        c.params.ID,
		Channel:   c.params.Channel,
		Position:  c.params.Position,
		State:     c.state,
		LastError: copyError(c.lastError),
		UpdatedAt: c.updatedAt,
	}
}

// Activate takes the exclusivity lock and brings the widget up. It returns
// once the session is Active, or with the error that stopped it.
//
// If another session holds the lock, Activate fails immediately with an error
// matching domain.ErrDuplicateSession and the session stays Idle.
func (c *Controller) Activate(ctx context.Context) error {
	return c.activate(ctx, false)
}

func (c *Controller) activate(ctx context.Context, viaRetry bool) error {
	var out notifications

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case domain.StateActive:
		c.mu.Unlock()
		return nil
	case domain.StateActivating, domain.StateDeactivating:
		c.mu.Unlock()
		return domain.ErrBusy
	case domain.StateError:
		c.mu.Unlock()
		return domain.ErrRetryRequired
	}
	if !viaRetry {
		c.cancelRetryLocked()
	}

	// Check and acquire in the same critical section: two Activate calls can
	// never both believe they own the session.
	acquired, err := c.deps.Lock.TryAcquire(ctx, c.params.ID)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to check exclusivity lock: %w", err)
	}
	if !acquired {
		se := &domain.SessionError{Kind: domain.KindDuplicateSession, Message: domain.DuplicateSessionMessage}
		c.lastError = se
		c.updatedAt = time.Now()
		if viaRetry {
			c.setStateLocked(domain.StateError, &out)
		}
		out.errorEvent(c.params.ID, se.Kind, se.Message, viaRetry)
		c.mu.Unlock()
		c.emit(out)
		c.logger.Info("Activation refused, another session is active")
		return copyError(se)
	}

	c.generation++
	gen := c.generation
	actCtx, cancel := context.WithCancel(ctx)
	c.cancelAct = cancel
	if c.renewEvery > 0 {
		renewCtx, stop := context.WithCancel(c.base)
		c.stopRenew = stop
		go c.renewLock(renewCtx, gen)
	}
	c.lastError = nil
	c.setStateLocked(domain.StateActivating, &out)
	c.mu.Unlock()
	c.emit(out)
	defer cancel()

	if err := c.deps.Loader.EnsureLoaded(actCtx); err != nil {
		if actCtx.Err() != nil {
			return c.interrupted(ctx, gen)
		}
		cl := domain.Classification{Kind: domain.KindScriptLoad, Message: err.Error()}
		c.fail(gen, cl)
		return domain.NewSessionError(cl)
	}

	if err := c.mount(actCtx, gen); err != nil {
		if actCtx.Err() != nil {
			return c.interrupted(ctx, gen)
		}
		return err
	}

	settle := time.NewTimer(c.settleDelay)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-actCtx.Done():
		return c.interrupted(ctx, gen)
	}

	out = notifications{}
	c.mu.Lock()
	if c.generation != gen || c.state != domain.StateActivating {
		err := c.outcomeLocked(gen)
		c.mu.Unlock()
		return err
	}
	c.setStateLocked(domain.StateActive, &out)
	c.mu.Unlock()
	c.emit(out)
	c.logger.Info("Session active")
	return nil
}

// mount places the widget and attaches the event router for generation gen.
func (c *Controller) mount(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.generation != gen || c.state != domain.StateActivating {
		err := c.outcomeLocked(gen)
		c.mu.Unlock()
		return err
	}
	w, err := c.deps.Mounter.Mount(ctx, c.params)
	if err != nil {
		c.mu.Unlock()
		c.fail(gen, domain.Classification{Kind: domain.KindUnknown, Message: fmt.Sprintf("failed to mount widget: %v", err)})
		return fmt.Errorf("failed to mount widget: %w", err)
	}
	c.widget = w

	sub, err := c.deps.Router.Attach(c.params.Channel, &activationSink{c: c, gen: gen})
	if err != nil {
		c.mu.Unlock()
		c.fail(gen, domain.Classification{Kind: domain.KindUnknown, Message: fmt.Sprintf("failed to subscribe to widget events: %v", err)})
		return fmt.Errorf("failed to subscribe to widget events: %w", err)
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// interrupted resolves an activation whose wait was cut short, either by the
// caller's context or by a teardown from another path.
func (c *Controller) interrupted(ctx context.Context, gen uint64) error {
	var out notifications

	c.mu.Lock()
	if ctx.Err() != nil && c.generation == gen && c.state == domain.StateActivating {
		c.teardownLocked()
		c.setStateLocked(domain.StateIdle, &out)
		c.mu.Unlock()
		c.emit(out)
		return ctx.Err()
	}
	err := c.outcomeLocked(gen)
	c.mu.Unlock()
	return err
}

// outcomeLocked explains why activation gen no longer applies.
func (c *Controller) outcomeLocked(gen uint64) error {
	if c.generation == gen && c.state == domain.StateError && c.lastError != nil {
		return copyError(c.lastError)
	}
	return domain.ErrActivationCancelled
}

// fail moves activation gen to Error with a fatal classification.
func (c *Controller) fail(gen uint64, cl domain.Classification) {
	var out notifications

	c.mu.Lock()
	if c.generation != gen || !c.state.HoldsLock() {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.lastError = domain.NewSessionError(cl)
	c.setStateLocked(domain.StateError, &out)
	out.errorEvent(c.params.ID, cl.Kind, cl.Message, true)
	c.mu.Unlock()

	c.emit(out)
	c.logger.Warn("Session failed", "kind", cl.Kind, "message", cl.Message)
}

// Deactivate unmounts the widget and releases the lock. From Error it
// dismisses the failure and returns to Idle. Idle is a no-op.
func (c *Controller) Deactivate(ctx context.Context) error {
	var out notifications

	c.mu.Lock()
	c.cancelRetryLocked()
	switch c.state {
	case domain.StateIdle, domain.StateDeactivating:
		c.mu.Unlock()
		return nil
	case domain.StateError:
		c.teardownLocked()
		c.lastError = nil
		c.setStateLocked(domain.StateIdle, &out)
	default:
		c.setStateLocked(domain.StateDeactivating, &out)
		c.teardownLocked()
		c.setStateLocked(domain.StateIdle, &out)
	}
	c.mu.Unlock()

	c.emit(out)
	c.logger.Info("Session deactivated")
	return nil
}

// Retry recovers from Error: it clears the failure and schedules exactly one
// activation after the retry backoff. It does not retry again on its own.
func (c *Controller) Retry(ctx context.Context) error {
	var out notifications

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != domain.StateError {
		c.mu.Unlock()
		return domain.ErrNotInErrorState
	}

	c.teardownLocked()
	c.lastError = nil
	c.setStateLocked(domain.StateIdle, &out)

	c.retrySeq++
	seq := c.retrySeq
	c.retryTimer = time.AfterFunc(c.retryBackoff, func() { c.runRetry(seq) })
	c.mu.Unlock()

	c.emit(out)
	c.logger.Info("Retry scheduled", "backoff", c.retryBackoff)
	return nil
}

// RetryPending reports whether a retry activation is waiting on its backoff.
func (c *Controller) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryTimer != nil
}

func (c *Controller) runRetry(seq uint64) {
	c.mu.Lock()
	if c.retryTimer == nil || c.retrySeq != seq || c.closed {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	if err := c.activate(c.base, true); err != nil {
		c.logger.Warn("Retry activation failed", "err", err)
	}
}

func (c *Controller) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// Close deactivates the session and stops any pending retry.
// The controller cannot be activated again.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Deactivate(ctx)

	c.mu.Lock()
	c.closed = true
	c.cancelRetryLocked()
	c.mu.Unlock()

	c.cancelBase()
	return err
}

// renewLock keeps the lock of activation gen alive. The renewal runs under
// mu so it can never re-take a lock that teardown has just released.
func (c *Controller) renewLock(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.renewEvery)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.generation != gen || !c.state.HoldsLock() {
			c.mu.Unlock()
			return
		}
		held, err := c.deps.Lock.TryAcquire(ctx, c.params.ID)
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil:
			failures++
			c.logger.Warn("Failed to renew exclusivity lock", "attempt", failures, "err", err)
			if failures >= maxRenewFailures {
				c.fail(gen, domain.Classification{Kind: domain.KindUnknown, Message: fmt.Sprintf("failed to renew exclusivity lock: %v", err)})
				return
			}
		case !held:
			c.fail(gen, domain.Classification{Kind: domain.KindDuplicateSession, Message: domain.DuplicateSessionMessage})
			return
		default:
			failures = 0
		}
	}
}

// teardownLocked releases everything the session owns. Safe on any state.
func (c *Controller) teardownLocked() {
	if c.cancelAct != nil {
		c.cancelAct()
		c.cancelAct = nil
	}
	if c.stopRenew != nil {
		c.stopRenew()
		c.stopRenew = nil
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	if c.widget != nil {
		c.widget.Unmount()
		c.widget = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.deps.Lock.Release(ctx, c.params.ID); err != nil {
		c.logger.Warn("Failed to release exclusivity lock", "err", err)
	}
}

func (c *Controller) setStateLocked(to domain.SessionState, out *notifications) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.updatedAt = time.Now()
	out.transitions = append(out.transitions, &domain.TransitionEvent{
		EventBase: domain.EventBase{Timestamp: c.updatedAt, Type: domain.EventTransition, SessionID: c.params.ID},
		From:      from,
		To:        to,
	})
}

// isFatal applies the session's TTS policy on top of the kind's default.
func (c *Controller) isFatal(kind domain.ErrorKind) bool {
	if kind == domain.KindTTS {
		return c.params.ForceTTS && !c.params.TTSDisabled
	}
	return kind.Fatal()
}

func (c *Controller) handleMessage(gen uint64, text string) {
	c.mu.Lock()
	live := c.generation == gen && c.state.HoldsLock()
	c.mu.Unlock()
	if !live {
		c.logger.Debug("Ignoring message for inactive session")
		return
	}

	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(c.base, &domain.MessageEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventMessage, SessionID: c.params.ID},
			Text:      text,
		})
	}
}

func (c *Controller) handleError(gen uint64, cl domain.Classification) {
	var out notifications

	c.mu.Lock()
	if c.generation != gen || !c.state.HoldsLock() {
		c.mu.Unlock()
		c.logger.Debug("Ignoring error for inactive session", "kind", cl.Kind)
		return
	}

	fatal := c.isFatal(cl.Kind)
	switch {
	case fatal:
		c.teardownLocked()
		c.lastError = domain.NewSessionError(cl)
		c.setStateLocked(domain.StateError, &out)
	case !c.params.TTSDisabled:
		c.lastError = domain.NewSessionError(cl)
		c.updatedAt = time.Now()
	}
	out.errorEvent(c.params.ID, cl.Kind, cl.Message, fatal)
	c.mu.Unlock()

	c.emit(out)
	if fatal {
		c.logger.Warn("Fatal widget error, session stopped", "kind", cl.Kind, "message", cl.Message)
	} else {
		c.logger.Info("Non-fatal widget error", "kind", cl.Kind, "message", cl.Message)
	}
}

// activationSink binds router callbacks to one activation, so events from a
// previous activation can never reach a later one.
type activationSink struct {
	c   *Controller
	gen uint64
}

func (s *activationSink) HandleMessage(text string) { s.c.handleMessage(s.gen, text) }

func (s *activationSink) HandleError(cl domain.Classification) { s.c.handleError(s.gen, cl) }

// notifications are collected under mu and emitted after it is released.
type notifications struct {
	transitions []*domain.TransitionEvent
	errors      []*domain.ErrorEvent
}

func (n *notifications) errorEvent(sessionID string, kind domain.ErrorKind, msg string, fatal bool) {
	n.errors = append(n.errors, &domain.ErrorEvent{
		EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventError, SessionID: sessionID},
		Kind:      kind,
		Message:   msg,
		Fatal:     fatal,
	})
}

func (c *Controller) emit(n notifications) {
	for _, t := range n.transitions {
		c.logger.Debug("Transition", "from", t.From, "to", t.To)
		if c.hooks.OnTransition != nil {
			c.hooks.OnTransition(c.base, t)
		}
	}
	for _, e := range n.errors {
		if c.hooks.OnError != nil {
			c.hooks.OnError(c.base, e)
		}
	}
}

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("session controller closed")

func copyError(e *domain.SessionError) *domain.SessionError {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
