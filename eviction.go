package trackcache

import (
	"os"
	"sort"

	"github.com/charmbracelet/log"
)

// Cleanup runs one eviction pass: it removes every expired metadata
// record oldest-first, then, if the store is still over its size budget,
// removes live records oldest-first one at a time until the budget is
// satisfied. Corrupt records count as expired with the oldest possible
// timestamp. The pass is idempotent and favors keeping fresh data over
// strict LRU optimality.
func (s *Storage) Cleanup() {
	records := s.scanRecords()

	var expired, live []scannedRecord
	for _, rec := range records {
		if rec.expired {
			expired = append(expired, rec)
		} else {
			live = append(live, rec)
		}
	}

	sortByStoredAt(expired)
	sortByStoredAt(live)

	removed := 0
	for _, rec := range expired {
		// Best effort: an individual delete failure is skipped, not fatal.
		if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove expired record", "path", rec.path, "error", err)
			continue
		}
		removed++
	}

	if s.TotalSize() <= s.maxTotalBytes {
		if removed > 0 {
			log.Debug("eviction pass complete", "expiredRemoved", removed)
		}
		return
	}

	evicted := 0
	for _, rec := range live {
		if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to evict record", "path", rec.path, "error", err)
			continue
		}
		evicted++
		if s.TotalSize() <= s.maxTotalBytes {
			break
		}
	}

	log.Debug("eviction pass complete",
		"expiredRemoved", removed,
		"liveEvicted", evicted,
		"totalSize", s.TotalSize())
}

func sortByStoredAt(records []scannedRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].storedAt.Before(records[j].storedAt)
	})
}
