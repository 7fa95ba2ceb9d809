package trackcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
)

// fetcher downloads track payloads and writes them through the storage
// layer. A cached entry with a recorded local path short-circuits the
// network entirely.
type fetcher struct {
	storage    *Storage
	client     *http.Client
	maxRetries int
}

func newFetcher(storage *Storage, client *http.Client, maxRetries int) *fetcher {
	return &fetcher{
		storage:    storage,
		client:     client,
		maxRetries: maxRetries,
	}
}

// fetchAndCache returns the local payload path for key, downloading and
// caching it if necessary. It attempts up to maxRetries sequential
// downloads of url, each bounded by the client timeout, with no backoff
// between attempts. With maxRetries zero it degrades directly to failure
// without touching the network.
func (f *fetcher) fetchAndCache(ctx context.Context, key, url string, extra map[string]any) (string, error) {
	if entry, ok := f.storage.Retrieve(key); ok {
		if path, ok := entry.LocalPath(); ok {
			log.Info("using cached track", "key", key, "path", path)
			return path, nil
		}
	}

	payloadPath := f.storage.payloadPath(key)

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		data, err := f.download(ctx, url)
		if err != nil {
			lastErr = err
			log.Warn("download attempt failed", "key", key, "attempt", attempt, "error", err)
			continue
		}

		if err := os.WriteFile(payloadPath, data, 0o600); err != nil {
			lastErr = err
			log.Warn("failed to write track payload", "key", key, "error", err)
			continue
		}

		fields := map[string]any{
			fieldTrackID:   key,
			fieldLocalPath: payloadPath,
			fieldSizeBytes: int64(len(data)),
		}
		for k, v := range extra {
			fields[k] = v
		}
		f.storage.Store(key, fields)

		log.Info("successfully cached track", "key", key, "bytes", len(data))
		return payloadPath, nil
	}

	if lastErr == nil {
		return "", ErrNoRetries
	}

	log.Error("failed to download track", "key", key, "attempts", f.maxRetries, "error", lastErr)
	return "", fmt.Errorf("%w after %d attempts: %v", ErrFetchFailed, f.maxRetries, lastErr)
}

// download performs one blocking GET of url and returns the raw bytes.
func (f *fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to get url: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return data, nil
}
