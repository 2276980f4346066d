package domain

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a session ID is not registered.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when registering an ID or channel that is already taken.
var ErrSessionExists = errors.New("session already registered")

// ErrDuplicateSession is returned by Activate when another session holds the exclusivity lock.
var ErrDuplicateSession = errors.New("another avatar session is already active")

// ErrRetryRequired is returned by Activate while the session is in the error state.
var ErrRetryRequired = errors.New("session is in error state, retry required")

// ErrNotInErrorState is returned by Retry when there is nothing to recover from.
var ErrNotInErrorState = errors.New("session is not in error state")

// ErrActivationCancelled is returned when the session was deactivated while activating.
var ErrActivationCancelled = errors.New("activation cancelled")

// ErrBusy is returned when an operation arrives while the session is tearing down.
var ErrBusy = errors.New("session is busy")

// ErrScriptLoad wraps failures of the widget script loader.
var ErrScriptLoad = errors.New("widget script failed to load")

// ErrorKind classifies errors reported by the widget or raised by the controller.
type ErrorKind string

const (
	KindAuth             ErrorKind = "auth"
	KindTTS              ErrorKind = "tts"
	KindDuplicateWidget  ErrorKind = "duplicate_widget"
	KindDuplicateSession ErrorKind = "duplicate_session"
	KindScriptLoad       ErrorKind = "script_load"
	KindUnknown          ErrorKind = "unknown"
)

// Fatal reports whether the kind forces deactivation by default.
// TTS is the only non-fatal kind; its handling also depends on session flags.
func (k ErrorKind) Fatal() bool {
	return k != KindTTS
}

// Classification is the normalized result of classifying a raw widget error.
type Classification struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// SessionError is the last error recorded on a session.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match a SessionError against the sentinel of its kind.
func (e *SessionError) Is(target error) bool {
	switch e.Kind {
	case KindDuplicateSession:
		return target == ErrDuplicateSession
	case KindScriptLoad:
		return target == ErrScriptLoad
	}
	return false
}

// NewSessionError builds a SessionError from a classification.
func NewSessionError(c Classification) *SessionError {
	return &SessionError{Kind: c.Kind, Message: c.Message}
}
