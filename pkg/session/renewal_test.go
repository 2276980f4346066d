package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/lock"
	"github.com/aretw0/parley/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRenew = 10 * time.Millisecond

// flakyLock counts re-acquisitions and can refuse or fail them on demand.
type flakyLock struct {
	*lock.Local
	renewals atomic.Int32
	refuse   atomic.Bool
	broken   atomic.Bool
}

func (l *flakyLock) TryAcquire(ctx context.Context, sessionID string) (bool, error) {
	if owner, held, _ := l.Local.Owner(ctx); held && owner == sessionID {
		l.renewals.Add(1)
		if l.broken.Load() {
			return false, errors.New("connection reset")
		}
		if l.refuse.Load() {
			return false, nil
		}
	}
	return l.Local.TryAcquire(ctx, sessionID)
}

func renewingController(t *testing.T, h *harness, l *flakyLock, id string) *session.Controller {
	t.Helper()
	deps := h.deps
	deps.Lock = l
	c := session.NewController(avatar(id), deps,
		session.WithSettleDelay(testSettle),
		session.WithRetryBackoff(testBackoff),
		session.WithHooks(h.events.hooks()),
		session.WithLockRenewal(testRenew),
	)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestController_RenewsLockWhileActive(t *testing.T) {
	h := newHarness(t)
	l := &flakyLock{Local: lock.NewLocal()}
	a := renewingController(t, h, l, "a")

	require.NoError(t, a.Activate(context.Background()))
	assert.Eventually(t, func() bool { return l.renewals.Load() >= 3 }, waitFor, tick)
	assert.Equal(t, domain.StateActive, a.State())

	require.NoError(t, a.Deactivate(context.Background()))
	settled := l.renewals.Load()
	time.Sleep(5 * testRenew)
	assert.Equal(t, settled, l.renewals.Load())

	owner, held, err := l.Owner(context.Background())
	require.NoError(t, err)
	assert.False(t, held, "lock still held by %q", owner)
}

func TestController_LostLockIsFatal(t *testing.T) {
	h := newHarness(t)
	l := &flakyLock{Local: lock.NewLocal()}
	a := renewingController(t, h, l, "a")

	require.NoError(t, a.Activate(context.Background()))
	l.refuse.Store(true)

	require.Eventually(t, func() bool { return a.State() == domain.StateError }, waitFor, tick)
	require.NotNil(t, a.LastError())
	assert.Equal(t, domain.KindDuplicateSession, a.LastError().Kind)
	assert.Empty(t, h.widgets.Mounted())

	errs := h.events.errorsOf("a")
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Fatal)

	_, held, err := l.Owner(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestController_RenewalErrorsEndTheSession(t *testing.T) {
	h := newHarness(t)
	l := &flakyLock{Local: lock.NewLocal()}
	a := renewingController(t, h, l, "a")

	require.NoError(t, a.Activate(context.Background()))
	l.broken.Store(true)

	require.Eventually(t, func() bool { return a.State() == domain.StateError }, waitFor, tick)
	assert.Equal(t, domain.KindUnknown, a.LastError().Kind)
	assert.Contains(t, a.LastError().Message, "renew")
	assert.GreaterOrEqual(t, l.renewals.Load(), int32(2))
}
