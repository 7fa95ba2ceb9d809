package trackcache

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// Cache is a disk-backed track cache with a bounded-wait fetch protocol.
// RequestCached never blocks longer than the configured wait budget: a
// slow download keeps running in the background and its result becomes
// visible to later calls for the same key.
//
// The cache is a best-effort accelerator, never a source of truth. All
// failure modes degrade to "no data available now" and callers are
// expected to fall back to fetching the source URL directly.
type Cache struct {
	storage    *Storage
	fetcher    *fetcher
	waitBudget time.Duration

	// group is non-nil only when in-flight deduplication is enabled.
	group *singleflight.Group
}

// New creates a cache instance from the given configuration, creating
// the cache directory if needed.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storage, err := NewStorage(cfg.CacheDir, cfg.MaxAge(), cfg.MaxTotalSizeBytes)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: cfg.DownloadTimeout}

	c := &Cache{
		storage:    storage,
		fetcher:    newFetcher(storage, client, cfg.MaxRetries),
		waitBudget: cfg.WaitBudget,
	}
	if cfg.DedupeInFlight {
		c.group = new(singleflight.Group)
	}
	return c, nil
}

type fetchResult struct {
	path string
	err  error
}

// RequestCached returns the local payload path for key, fetching and
// caching it from url when absent. It waits at most the configured wait
// budget for the fetch: if the fetch finishes in time and succeeds the
// fresh path is returned, otherwise the call reports a miss and the
// fetch continues to completion unattended. An in-budget failure and a
// still-running fetch are indistinguishable to the caller; either way
// the result of the background work is observable only through a later
// call for the same key.
//
// Without in-flight deduplication enabled, concurrent calls for the same
// key each start their own fetch. The redundant download is wasteful but
// harmless: both write the same payload path and the last metadata write
// wins.
func (c *Cache) RequestCached(key, url string, extra map[string]any) (string, bool) {
	done := make(chan fetchResult, 1)

	go func() {
		path, err := c.fetch(key, url, extra)
		if err != nil {
			log.Debug("background fetch finished", "key", key, "error", err)
		}
		done <- fetchResult{path: path, err: err}
	}()

	timer := time.NewTimer(c.waitBudget)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return "", false
		}
		return res.path, true
	case <-timer.C:
		log.Debug("wait budget elapsed, fetch continues in background", "key", key)
		return "", false
	}
}

// fetch runs the pipeline, optionally collapsing concurrent calls for
// the same key into one download.
func (c *Cache) fetch(key, url string, extra map[string]any) (string, error) {
	if c.group == nil {
		return c.fetcher.fetchAndCache(context.Background(), key, url, extra)
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetcher.fetchAndCache(context.Background(), key, url, extra)
	})
	if shared {
		log.Debug("joined in-flight fetch", "key", key)
	}
	path, _ := v.(string)
	return path, err
}

// GetCachedEntry returns the metadata entry for key, if present and not
// expired. Expired entries are removed as a side effect of the lookup.
func (c *Cache) GetCachedEntry(key string) (*Entry, bool) {
	return c.storage.Retrieve(key)
}

// DeleteCachedEntry removes the metadata entry for key. Absence is not
// an error.
func (c *Cache) DeleteCachedEntry(key string) {
	c.storage.Delete(key)
}

// ClearAll drops every entry, leaving an empty cache directory behind.
func (c *Cache) ClearAll() {
	c.storage.Clear()
}

// Cleanup runs one eviction pass immediately.
func (c *Cache) Cleanup() {
	c.storage.Cleanup()
}

// Usage reports the current metadata record count and combined size.
func (c *Cache) Usage() Usage {
	return c.storage.Usage()
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.storage.Dir()
}
