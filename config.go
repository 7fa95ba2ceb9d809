package trackcache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the cache construction parameters. All fields can be set
// through the environment.
type Config struct {
	// CacheDir is the directory holding metadata records and payload
	// files. It is created if absent.
	CacheDir string `env:"TRACKCACHE_DIR"`

	// MaxAgeDays is the entry lifetime in days.
	MaxAgeDays int `env:"TRACKCACHE_MAX_AGE_DAYS" envDefault:"30"`

	// MaxTotalSizeBytes bounds the combined size of metadata records on
	// disk. Payload files are not counted against the budget.
	MaxTotalSizeBytes int64 `env:"TRACKCACHE_MAX_SIZE_BYTES" envDefault:"1073741824"`

	// DownloadTimeout bounds a single download attempt.
	DownloadTimeout time.Duration `env:"TRACKCACHE_DOWNLOAD_TIMEOUT" envDefault:"30s"`

	// MaxRetries is the number of sequential download attempts. Zero
	// disables downloading entirely.
	MaxRetries int `env:"TRACKCACHE_MAX_RETRIES" envDefault:"3"`

	// WaitBudget is how long RequestCached waits for a fetch to finish
	// before reporting a miss and leaving it running in the background.
	WaitBudget time.Duration `env:"TRACKCACHE_WAIT_BUDGET" envDefault:"100ms"`

	// DedupeInFlight makes concurrent RequestCached calls for the same
	// key share a single fetch. Off by default: redundant fetches are
	// harmless and the last write wins.
	DedupeInFlight bool `env:"TRACKCACHE_DEDUPE_IN_FLIGHT"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil || cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "trackcache")
	} else {
		cacheDir = filepath.Join(cacheDir, "trackcache", "tracks")
	}

	return Config{
		CacheDir:          cacheDir,
		MaxAgeDays:        30,
		MaxTotalSizeBytes: 1024 * 1024 * 1024, // 1 GB
		DownloadTimeout:   30 * time.Second,
		MaxRetries:        3,
		WaitBudget:        100 * time.Millisecond,
	}
}

// ConfigFromEnv builds a configuration from defaults overridden by
// TRACKCACHE_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// MaxAge returns the entry lifetime as a duration.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("%w: cache directory must be set", ErrInvalidConfig)
	}
	if c.MaxAgeDays <= 0 {
		return fmt.Errorf("%w: max age must be positive, got %d days", ErrInvalidConfig, c.MaxAgeDays)
	}
	if c.MaxTotalSizeBytes <= 0 {
		return fmt.Errorf("%w: size budget must be positive, got %d", ErrInvalidConfig, c.MaxTotalSizeBytes)
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("%w: download timeout must be positive, got %s", ErrInvalidConfig, c.DownloadTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.WaitBudget < 0 {
		return fmt.Errorf("%w: wait budget must not be negative, got %s", ErrInvalidConfig, c.WaitBudget)
	}
	return nil
}
