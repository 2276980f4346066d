package ports

import "context"

// ExclusivityLock is the process-wide (or cluster-wide) cell recording which
// avatar session, if any, is currently active.
//
// Implementations must make TryAcquire an atomic check-and-set and must scope
// Release to the owner, so a stale or retrying session cannot clear a lock it
// no longer holds.
type ExclusivityLock interface {
	// TryAcquire takes the lock for sessionID if it is free.
	// It returns true if sessionID owns the lock afterwards (including when it already did).
	TryAcquire(ctx context.Context, sessionID string) (bool, error)

	// Release frees the lock if sessionID owns it. Otherwise it is a no-op.
	Release(ctx context.Context, sessionID string) error

	// IsHeldByOther reports whether the lock is owned by a session other than sessionID.
	IsHeldByOther(ctx context.Context, sessionID string) (bool, error)

	// Owner returns the current owner, if any.
	Owner(ctx context.Context) (string, bool, error)
}
