package trackcache

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.MaxAgeDays = 1
	cfg.MaxTotalSizeBytes = 1 << 20
	cfg.DownloadTimeout = 5 * time.Second
	cfg.MaxRetries = 3
	cfg.WaitBudget = 2 * time.Second
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty dir", func(c *Config) { c.CacheDir = "" }},
		{"zero max age", func(c *Config) { c.MaxAgeDays = 0 }},
		{"zero size budget", func(c *Config) { c.MaxTotalSizeBytes = 0 }},
		{"zero download timeout", func(c *Config) { c.DownloadTimeout = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"negative wait budget", func(c *Config) { c.WaitBudget = -time.Second }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRequestCached_SynchronousHit(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("track bytes"))
	}))
	defer srv.Close()

	cache, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	path, ok := cache.RequestCached("track_1", srv.URL, nil)
	if !ok {
		t.Fatal("expected a synchronous hit with a generous wait budget")
	}
	if path == "" {
		t.Fatal("hit returned an empty path")
	}

	// The second call must reuse the cached payload without a new request.
	again, ok := cache.RequestCached("track_1", srv.URL, nil)
	if !ok || again != path {
		t.Errorf("second call = (%q, %v), want (%q, true)", again, ok, path)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected one download, saw %d", got)
	}
}

func TestRequestCached_MissOnSlowFetchThenBackfill(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("slow bytes"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.WaitBudget = 20 * time.Millisecond

	cache, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, ok := cache.RequestCached("slow_track", srv.URL, nil)
	if ok {
		t.Fatal("expected a miss while the download is still running")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("miss took %s, wait budget not honored", elapsed)
	}

	// Let the background fetch finish and become visible to later calls.
	close(release)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if entry, ok := cache.GetCachedEntry("slow_track"); ok {
			if _, ok := entry.LocalPath(); !ok {
				t.Error("backfilled entry has no local path")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background fetch never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestCached_MissOnFailure(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.MaxRetries = 2

	cache, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cache.RequestCached("bad_track", srv.URL, nil); ok {
		t.Fatal("expected a miss for an always-failing source")
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected exactly 2 attempts, saw %d", got)
	}
}

func TestRequestCached_ZeroRetriesReturnsMiss(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.MaxRetries = 0

	cache, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cache.RequestCached("track", srv.URL, nil); ok {
		t.Fatal("expected a miss with zero retries")
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("zero-retry request touched the network %d times", got)
	}
}

func TestRequestCached_ExtraMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	cache, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cache.RequestCached("meta_track", srv.URL, map[string]any{
		"artist": "Test Artist",
	}); !ok {
		t.Fatal("fetch failed")
	}

	entry, ok := cache.GetCachedEntry("meta_track")
	if !ok {
		t.Fatal("entry absent after fetch")
	}
	if got := entry.Fields["artist"]; got != "Test Artist" {
		t.Errorf("artist = %v, want Test Artist", got)
	}
}

func TestRequestCached_DedupeSharesOneFetch(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("shared bytes"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.DedupeInFlight = true

	cache, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var hits atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := cache.RequestCached("shared_track", srv.URL, nil); ok {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := hits.Load(); got != 5 {
		t.Errorf("expected all 5 callers to get the path, got %d", got)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected a single shared download, saw %d", got)
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	cache, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"track_1", "track_2", "track_3"} {
		if _, ok := cache.RequestCached(key, srv.URL, nil); !ok {
			t.Fatalf("fetch failed for %s", key)
		}
	}

	cache.DeleteCachedEntry("track_2")
	if _, ok := cache.GetCachedEntry("track_2"); ok {
		t.Error("track_2 still cached after delete")
	}
	if _, ok := cache.GetCachedEntry("track_1"); !ok {
		t.Error("track_1 lost by deleting track_2")
	}

	cache.ClearAll()
	for _, key := range []string{"track_1", "track_2", "track_3"} {
		if _, ok := cache.GetCachedEntry(key); ok {
			t.Errorf("%s still cached after clear", key)
		}
	}
	if u := cache.Usage(); u.Entries != 0 {
		t.Errorf("%d entries survived clear", u.Entries)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TRACKCACHE_DIR", "/tmp/env-cache")
	t.Setenv("TRACKCACHE_MAX_RETRIES", "5")
	t.Setenv("TRACKCACHE_WAIT_BUDGET", "250ms")
	t.Setenv("TRACKCACHE_MAX_AGE_DAYS", "7")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.CacheDir != "/tmp/env-cache" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.WaitBudget != 250*time.Millisecond {
		t.Errorf("WaitBudget = %s, want 250ms", cfg.WaitBudget)
	}
	if cfg.MaxAgeDays != 7 {
		t.Errorf("MaxAgeDays = %d, want 7", cfg.MaxAgeDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("env config should validate: %v", err)
	}
}
