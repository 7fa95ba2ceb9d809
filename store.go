package trackcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	metadataSuffix = ".cache"
	payloadSuffix  = ".track"
)

// Storage persists metadata records as JSON files named by a hash of
// their key, flat inside a single directory. It never returns errors to
// callers: storage failures are logged and degrade to an absent entry.
// File operations are not synchronized per key; concurrent writers for
// the same key race with the last writer winning, which is acceptable
// for a best-effort cache.
type Storage struct {
	dir           string
	maxAge        time.Duration
	maxTotalBytes int64
}

// NewStorage creates the cache directory if needed and returns a storage
// handle bound to it.
func NewStorage(dir string, maxAge time.Duration, maxTotalBytes int64) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	log.Debug("cache directory ready", "dir", dir)

	return &Storage{
		dir:           dir,
		maxAge:        maxAge,
		maxTotalBytes: maxTotalBytes,
	}, nil
}

// Dir returns the cache directory.
func (s *Storage) Dir() string {
	return s.dir
}

// hashKey maps an opaque key to a stable filesystem-safe name. The hash
// is cosmetic, not a security boundary.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func (s *Storage) metadataPath(key string) string {
	return filepath.Join(s.dir, hashKey(key)+metadataSuffix)
}

func (s *Storage) payloadPath(key string) string {
	return filepath.Join(s.dir, hashKey(key)+payloadSuffix)
}

// Store serializes fields plus a fresh stored_at timestamp to the record
// derived from key, fully replacing any previous record. If the incoming
// record would push the store past its size budget, a cleanup pass runs
// first. Failures are logged and swallowed; a failed store leaves the
// prior entry, if any, unchanged.
func (s *Storage) Store(key string, fields map[string]any) {
	record := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record[fieldStoredAt] = time.Now().Format(time.RFC3339Nano)

	data, err := json.Marshal(record)
	if err != nil {
		log.Error("failed to serialize cache entry", "key", key, "error", err)
		return
	}

	if s.TotalSize()+int64(len(data)) > s.maxTotalBytes {
		s.Cleanup()
	}

	if err := os.WriteFile(s.metadataPath(key), data, 0o600); err != nil {
		log.Error("failed to store cache entry", "key", key, "error", err)
	}
}

// Retrieve loads the record for key. It returns false if the record does
// not exist, cannot be parsed (a soft miss, logged) or has expired, in
// which case the underlying file is removed as a side effect.
func (s *Storage) Retrieve(key string) (*Entry, bool) {
	path := s.metadataPath(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("failed to read cache entry", "key", key, "error", err)
		}
		return nil, false
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		log.Warn("corrupt cache entry", "key", key, "error", err)
		return nil, false
	}

	storedAt, err := storedAtOf(record)
	if err != nil {
		log.Warn("cache entry has unreadable timestamp", "key", key, "error", err)
		return nil, false
	}

	if time.Since(storedAt) > s.maxAge {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove expired cache entry", "key", key, "error", err)
		}
		log.Debug("cache entry expired", "key", key, "storedAt", storedAt)
		return nil, false
	}

	return &Entry{Key: key, StoredAt: storedAt, Fields: record}, true
}

// Delete removes the record for key. Absence is not an error.
func (s *Storage) Delete(key string) {
	if err := os.Remove(s.metadataPath(key)); err != nil && !os.IsNotExist(err) {
		log.Error("failed to delete cache entry", "key", key, "error", err)
	}
}

// Clear removes all entries and recreates an empty cache directory.
func (s *Storage) Clear() {
	if err := os.RemoveAll(s.dir); err != nil {
		log.Error("failed to clear cache", "dir", s.dir, "error", err)
		return
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		log.Error("failed to recreate cache directory", "dir", s.dir, "error", err)
	}
}

// TotalSize returns the combined on-disk size of all metadata records.
// Payload files do not participate in the size budget.
func (s *Storage) TotalSize() int64 {
	var total int64
	for _, rec := range s.scanRecords() {
		total += rec.size
	}
	return total
}

// Usage reports the current record count and combined record size.
func (s *Storage) Usage() Usage {
	records := s.scanRecords()
	u := Usage{Entries: len(records)}
	for _, rec := range records {
		u.TotalBytes += rec.size
	}
	return u
}

// storedAtOf extracts and parses the stored_at timestamp from a record.
func storedAtOf(record map[string]any) (time.Time, error) {
	raw, ok := record[fieldStoredAt].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("missing %s field", fieldStoredAt)
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// scannedRecord is one metadata file observed during a directory scan.
type scannedRecord struct {
	path     string
	size     int64
	storedAt time.Time
	expired  bool
}

// scanRecords enumerates the metadata records on disk with their size
// and parsed timestamps. Records that cannot be read or parsed are
// reported as maximally stale so the eviction pass removes them first.
func (s *Storage) scanRecords() []scannedRecord {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Error("failed to scan cache directory", "dir", s.dir, "error", err)
		return nil
	}

	now := time.Now()
	records := make([]scannedRecord, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), metadataSuffix) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		rec := scannedRecord{
			path: filepath.Join(s.dir, de.Name()),
			size: info.Size(),
		}

		storedAt, err := s.readStoredAt(rec.path)
		if err != nil {
			// Corrupt records sort as oldest possible and expired.
			rec.expired = true
		} else {
			rec.storedAt = storedAt
			rec.expired = now.Sub(storedAt) > s.maxAge
		}

		records = append(records, rec)
	}
	return records
}

func (s *Storage) readStoredAt(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return time.Time{}, err
	}
	return storedAtOf(record)
}
