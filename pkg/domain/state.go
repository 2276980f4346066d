package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of an embedded avatar session.
type SessionState string

const (
	StateIdle         SessionState = "idle"         // No widget mounted, lock not held
	StateActivating   SessionState = "activating"   // Lock held, waiting for script and mount
	StateActive       SessionState = "active"       // Widget mounted and usable
	StateError        SessionState = "error"        // Terminal until Retry or Deactivate
	StateDeactivating SessionState = "deactivating" // Tearing down
)

// HoldsLock reports whether a session in this state owns the exclusivity lock.
func (s SessionState) HoldsLock() bool {
	return s == StateActivating || s == StateActive
}

// Position is where the widget is placed on the page. It has no behavioral effect.
type Position string

const (
	PositionLeft  Position = "left"
	PositionRight Position = "right"
)

// Valid reports whether p is a known position.
func (p Position) Valid() bool {
	return p == PositionLeft || p == PositionRight
}

// SessionParams are the construction parameters supplied by the embedding page.
type SessionParams struct {
	ID          string   `json:"id" yaml:"id"`
	Token       string   `json:"-" yaml:"token"`
	AgentID     string   `json:"agent_id" yaml:"agent_id"`
	Position    Position `json:"position" yaml:"position"`
	Channel     string   `json:"channel" yaml:"channel"`
	DisplayText string   `json:"display_text" yaml:"display_text"`
	ImageURL    string   `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	TTSDisabled bool     `json:"tts_disabled" yaml:"tts_disabled"`

	// ForceTTS makes TTS errors fatal. Ignored when TTSDisabled is set.
	ForceTTS bool `json:"force_tts,omitempty" yaml:"force_tts,omitempty"`
}

// ErrorChannel is the per-session error channel derived from the message channel.
func (p SessionParams) ErrorChannel() string {
	return p.Channel + ErrorChannelSuffix
}

// Snapshot is a point-in-time view of a session, safe to serialize.
type Snapshot struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel"`
	Position  Position      `json:"position"`
	State     SessionState  `json:"state"`
	LastError *SessionError `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate checks the parameters needed to mount a widget.
func (p SessionParams) Validate() error {
	switch {
	case p.ID == "":
		return errors.New("session id is required")
	case p.Channel == "":
		return fmt.Errorf("session %q: message channel is required", p.ID)
	case p.Channel == GlobalErrorChannel || strings.HasSuffix(p.Channel, ErrorChannelSuffix):
		return fmt.Errorf("session %q: channel %q collides with an error channel", p.ID, p.Channel)
	case p.Token == "":
		return fmt.Errorf("session %q: token is required", p.ID)
	case p.AgentID == "":
		return fmt.Errorf("session %q: agent id is required", p.ID)
	case !p.Position.Valid():
		return fmt.Errorf("session %q: position must be left or right, got %q", p.ID, p.Position)
	}
	return nil
}
