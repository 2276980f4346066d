// Package lock provides the in-process exclusivity lock used when a single
// Parley instance hosts every avatar on the page.
package lock

import (
	"context"
	"sync"
)

// Local implements ports.ExclusivityLock with a mutex-guarded owner cell.
// Safe for concurrent use.
type Local struct {
	mu    sync.Mutex
	owner string
}

// NewLocal creates a free lock.
func NewLocal() *Local {
	return &Local{}
}

// TryAcquire takes the lock for sessionID if nobody else holds it.
func (l *Local) TryAcquire(_ context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != "" && l.owner != sessionID {
		return false, nil
	}
	l.owner = sessionID
	return true, nil
}

// Release frees the lock if sessionID owns it.
func (l *Local) Release(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == sessionID {
		l.owner = ""
	}
	return nil
}

// IsHeldByOther reports whether a session other than sessionID owns the lock.
func (l *Local) IsHeldByOther(_ context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != "" && l.owner != sessionID, nil
}

// Owner returns the current owner, if any.
func (l *Local) Owner(_ context.Context) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, l.owner != "", nil
}
