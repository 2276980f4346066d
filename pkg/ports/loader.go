package ports

import "context"

// ScriptFetcher performs the one side effect of loading the widget script.
type ScriptFetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// ScriptLoader ensures the shared widget script is available.
// Concurrent callers share a single in-flight attempt.
type ScriptLoader interface {
	EnsureLoaded(ctx context.Context) error
}
