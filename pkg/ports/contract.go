package ports

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunExclusivityLockContract runs a suite of tests to verify that an ExclusivityLock
// implementation adheres to the defined interface contract.
// The lock must be free when the suite starts.
func RunExclusivityLockContract(t *testing.T, lock ExclusivityLock) {
	ctx := context.Background()

	t.Run("Acquire and Release", func(t *testing.T) {
		ok, err := lock.TryAcquire(ctx, "alpha")
		require.NoError(t, err)
		assert.True(t, ok)

		owner, held, err := lock.Owner(ctx)
		require.NoError(t, err)
		assert.True(t, held)
		assert.Equal(t, "alpha", owner)

		require.NoError(t, lock.Release(ctx, "alpha"))

		_, held, err = lock.Owner(ctx)
		require.NoError(t, err)
		assert.False(t, held, "lock should be free after release")
	})

	t.Run("Exclusive", func(t *testing.T) {
		ok, err := lock.TryAcquire(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		defer lock.Release(ctx, "alpha")

		ok, err = lock.TryAcquire(ctx, "beta")
		require.NoError(t, err)
		assert.False(t, ok, "second session must not acquire a held lock")

		other, err := lock.IsHeldByOther(ctx, "beta")
		require.NoError(t, err)
		assert.True(t, other)

		other, err = lock.IsHeldByOther(ctx, "alpha")
		require.NoError(t, err)
		assert.False(t, other, "owner does not see its own lock as held by another")
	})

	t.Run("Owner Reacquire", func(t *testing.T) {
		ok, err := lock.TryAcquire(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		defer lock.Release(ctx, "alpha")

		ok, err = lock.TryAcquire(ctx, "alpha")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Release By Non Owner Is No-op", func(t *testing.T) {
		ok, err := lock.TryAcquire(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		defer lock.Release(ctx, "alpha")

		require.NoError(t, lock.Release(ctx, "beta"))

		owner, held, err := lock.Owner(ctx)
		require.NoError(t, err)
		assert.True(t, held)
		assert.Equal(t, "alpha", owner)
	})

	t.Run("Release Is Idempotent", func(t *testing.T) {
		ok, err := lock.TryAcquire(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, lock.Release(ctx, "alpha"))
		require.NoError(t, lock.Release(ctx, "alpha"))

		other, err := lock.IsHeldByOther(ctx, "beta")
		require.NoError(t, err)
		assert.False(t, other)
	})

	t.Run("Concurrent Acquire Has One Winner", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok, err := lock.TryAcquire(ctx, id)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		owner, held, err := lock.Owner(ctx)
		require.NoError(t, err)
		require.True(t, held)
		require.NoError(t, lock.Release(ctx, owner))
	})
}

// RunSnapshotStoreContract runs a suite of tests to verify that a SnapshotStore
// implementation adheres to the defined interface contract.
func RunSnapshotStoreContract(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	sessionID := "contract-test-session-" + time.Now().Format("20060102150405")

	t.Run("Save and Load", func(t *testing.T) {
		snap := &domain.Snapshot{
			ID:        sessionID,
			Channel:   "avatar-events",
			Position:  domain.PositionRight,
			State:     domain.StateError,
			LastError: &domain.SessionError{Kind: domain.KindAuth, Message: "401 unauthorized"},
			UpdatedAt: time.Now().UTC().Truncate(time.Second),
		}

		err := store.Save(ctx, sessionID, snap)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, snap.State, loaded.State)
		assert.Equal(t, snap.Channel, loaded.Channel)
		require.NotNil(t, loaded.LastError)
		assert.Equal(t, domain.KindAuth, loaded.LastError.Kind)
		assert.True(t, snap.UpdatedAt.Equal(loaded.UpdatedAt))
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		err := store.Save(ctx, sessionID, &domain.Snapshot{ID: sessionID, State: domain.StateIdle})
		require.NoError(t, err)

		err = store.Delete(ctx, sessionID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound, "Load after Delete should return ErrSessionNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := sessionID + "-1"
		id2 := sessionID + "-2"
		_ = store.Save(ctx, id1, &domain.Snapshot{ID: id1, State: domain.StateIdle})
		_ = store.Save(ctx, id2, &domain.Snapshot{ID: id2, State: domain.StateActive})

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		sessions, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, sessions, id1)
		assert.Contains(t, sessions, id2)
	})
}
