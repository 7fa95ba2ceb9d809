package trackcache

import (
	"errors"
	"time"
)

// Common errors for cache operations.
var (
	// ErrCacheMiss is returned when an entry is not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrFetchFailed is returned when every download attempt for a track failed.
	ErrFetchFailed = errors.New("track download failed")

	// ErrNoRetries is returned when the fetch pipeline is configured with
	// zero download attempts.
	ErrNoRetries = errors.New("no download attempts configured")

	// ErrInvalidConfig is returned when the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Metadata field names used in on-disk records.
const (
	fieldStoredAt  = "stored_at"
	fieldTrackID   = "track_id"
	fieldLocalPath = "local_path"
	fieldSizeBytes = "size_bytes"
)

// Entry is a stored metadata record keyed by a logical identifier,
// typically a track id. Fields holds the full on-disk record, including
// caller-supplied metadata and, after a successful fetch, the local
// payload path and size.
type Entry struct {
	Key      string
	StoredAt time.Time
	Fields   map[string]any
}

// LocalPath returns the payload file path recorded for this entry.
func (e *Entry) LocalPath() (string, bool) {
	path, ok := e.Fields[fieldLocalPath].(string)
	return path, ok && path != ""
}

// SizeBytes returns the recorded payload size in bytes.
func (e *Entry) SizeBytes() (int64, bool) {
	switch v := e.Fields[fieldSizeBytes].(type) {
	case int64:
		return v, true
	case float64:
		// JSON numbers decode as float64.
		return int64(v), true
	default:
		return 0, false
	}
}

// Expired reports whether the entry is older than maxAge at the given time.
func (e *Entry) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.StoredAt) > maxAge
}

// Usage summarizes the metadata records currently on disk.
type Usage struct {
	Entries    int
	TotalBytes int64
}
