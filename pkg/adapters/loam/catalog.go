// Package loam reads avatar definitions from a directory of Markdown or YAML
// documents managed by Loam.
//
// Each document describes one avatar. The frontmatter holds the widget
// parameters; the body, when present, is the text shown next to the avatar.
//
//	---
//	id: support
//	agent_id: agent-123
//	token_env: SUPPORT_AVATAR_TOKEN
//	position: right
//	channel: support-avatar
//	---
//	Ask me anything about your order.
package loam

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/loam"
	"github.com/aretw0/parley/pkg/domain"
)

// AvatarMetadata is the frontmatter of an avatar document.
// Tokens are secrets, so documents normally name an environment variable
// (token_env) instead of embedding the token.
type AvatarMetadata struct {
	ID          string `json:"id" mapstructure:"id"`
	Token       string `json:"token" mapstructure:"token"`
	TokenEnv    string `json:"token_env" mapstructure:"token_env"`
	AgentID     string `json:"agent_id" mapstructure:"agent_id"`
	Position    string `json:"position" mapstructure:"position"`
	Channel     string `json:"channel" mapstructure:"channel"`
	DisplayText string `json:"display_text" mapstructure:"display_text"`
	ImageURL    string `json:"image_url" mapstructure:"image_url"`
	TTSDisabled bool   `json:"tts_disabled" mapstructure:"tts_disabled"`
	ForceTTS    bool   `json:"force_tts" mapstructure:"force_tts"`
}

// Catalog lists avatars stored in a Loam repository.
type Catalog struct {
	Repo   *loam.TypedRepository[AvatarMetadata]
	getenv func(string) string
}

// New creates a catalog over an existing typed repository.
func New(repo *loam.TypedRepository[AvatarMetadata]) *Catalog {
	return &Catalog{Repo: repo, getenv: os.Getenv}
}

// Open opens dir read-only. Parley never writes avatar definitions.
func Open(dir string) (*Catalog, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	repo, err := loam.Init(absPath,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	return New(loam.NewTypedRepository[AvatarMetadata](repo)), nil
}

// Avatars returns the session parameters of every document, sorted by id.
// Parameters are not validated here; the session manager does that.
func (c *Catalog) Avatars(ctx context.Context) ([]domain.SessionParams, error) {
	docs, err := c.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}

	seen := make(map[string]string)
	avatars := make([]domain.SessionParams, 0, len(docs))
	for _, doc := range docs {
		meta := doc.Data
		rawID := meta.ID
		if rawID == "" {
			rawID = doc.ID
		}
		id := trimExtension(rawID)

		if existing, ok := seen[id]; ok {
			return nil, fmt.Errorf("collision detected: avatar '%s' is defined in both '%s' and '%s'", id, existing, doc.ID)
		}
		seen[id] = doc.ID

		avatars = append(avatars, c.params(id, meta, doc.Content))
	}

	sort.Slice(avatars, func(i, j int) bool { return avatars[i].ID < avatars[j].ID })
	return avatars, nil
}

func (c *Catalog) params(id string, meta AvatarMetadata, body string) domain.SessionParams {
	token := meta.Token
	if token == "" && meta.TokenEnv != "" {
		token = c.getenv(meta.TokenEnv)
	}
	text := meta.DisplayText
	if text == "" {
		text = strings.TrimSpace(body)
	}
	channel := meta.Channel
	if channel == "" {
		channel = id
	}
	position := domain.Position(meta.Position)
	if position == "" {
		position = domain.PositionRight
	}

	return domain.SessionParams{
		ID:          id,
		Token:       token,
		AgentID:     meta.AgentID,
		Position:    position,
		Channel:     channel,
		DisplayText: text,
		ImageURL:    meta.ImageURL,
		TTSDisabled: meta.TTSDisabled,
		ForceTTS:    meta.ForceTTS,
	}
}

func trimExtension(id string) string {
	ext := filepath.Ext(id)
	if ext != "" {
		return filepath.ToSlash(strings.TrimSuffix(id, ext))
	}
	return filepath.ToSlash(id)
}
