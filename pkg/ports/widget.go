package ports

import (
	"context"

	"github.com/aretw0/parley/pkg/domain"
)

// Widget is a mounted avatar widget instance owned by one session.
type Widget interface {
	// Unmount removes the widget. It must be safe to call more than once.
	Unmount()
}

// Mounter places a widget for the given session onto the page.
type Mounter interface {
	Mount(ctx context.Context, params domain.SessionParams) (Widget, error)
}
