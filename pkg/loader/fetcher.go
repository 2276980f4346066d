package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// DefaultMaxScriptSize caps the size of the upstream script.
const DefaultMaxScriptSize = 8 << 20

// ErrScriptTooLarge is returned when the script exceeds the fetcher's size cap.
var ErrScriptTooLarge = errors.New("widget script too large")

// HTTPFetcher downloads the widget script from a URL.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
	// MaxSize rejects larger scripts. Zero means DefaultMaxScriptSize.
	MaxSize int64
}

// NewHTTPFetcher creates a fetcher for url using http.DefaultClient.
func NewHTTPFetcher(url string) *HTTPFetcher {
	return &HTTPFetcher{URL: url, Client: http.DefaultClient, MaxSize: DefaultMaxScriptSize}
}

// Fetch performs a GET and returns the body on a 2xx response.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid script url: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", f.URL, resp.Status)
	}

	limit := f.MaxSize
	if limit <= 0 {
		limit = DefaultMaxScriptSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.URL, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("failed to fetch %s: %w (limit %d bytes)", f.URL, ErrScriptTooLarge, limit)
	}
	return body, nil
}

// FileFetcher reads the widget script from disk (offline development).
type FileFetcher struct {
	Path string
}

// Fetch reads the file.
func (f FileFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}
	return data, nil
}
