// Package trackcache provides a disk-backed cache for remote-fetched
// audio track payloads. Entries are bounded by age and total size, and
// downloads run in the background so callers are never stalled waiting
// on a slow network fetch.
package trackcache
