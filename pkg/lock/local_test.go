package lock_test

import (
	"context"
	"testing"

	"github.com/aretw0/parley/pkg/lock"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/stretchr/testify/assert"
)

func TestLocal_Contract(t *testing.T) {
	ports.RunExclusivityLockContract(t, lock.NewLocal())
}

func TestLocal_StaleReleaseKeepsNewOwner(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	ok, _ := l.TryAcquire(ctx, "first")
	assert.True(t, ok)
	_ = l.Release(ctx, "first")

	ok, _ = l.TryAcquire(ctx, "second")
	assert.True(t, ok)

	// A late release from the previous owner must not free the lock.
	_ = l.Release(ctx, "first")
	owner, held, _ := l.Owner(ctx)
	assert.True(t, held)
	assert.Equal(t, "second", owner)
}
