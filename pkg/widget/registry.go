package widget

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Registry implements ports.Mounter by recording mounted elements so the
// page handler can render them.
type Registry struct {
	mu      sync.RWMutex
	mounted map[string]Element
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{mounted: make(map[string]Element)}
}

// Mount records the element for params.ID, replacing any previous one.
func (r *Registry) Mount(ctx context.Context, params domain.SessionParams) (ports.Widget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	el := NewElement(params)
	if _, err := el.Render(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.mounted[params.ID] = el
	r.mu.Unlock()

	return &handle{registry: r, id: params.ID, el: el}, nil
}

// Element returns the mounted element for a session.
func (r *Registry) Element(sessionID string) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	el, ok := r.mounted[sessionID]
	return el, ok
}

// Mounted returns the IDs of sessions with a mounted widget, sorted.
func (r *Registry) Mounted() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.mounted))
	for id := range r.mounted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type handle struct {
	registry *Registry
	id       string
	el       Element
	once     sync.Once
}

// Unmount removes the element unless a newer mount replaced it.
func (h *handle) Unmount() {
	h.once.Do(func() {
		h.registry.mu.Lock()
		defer h.registry.mu.Unlock()
		if cur, ok := h.registry.mounted[h.id]; ok && cur == h.el {
			delete(h.registry.mounted, h.id)
		}
	})
}
