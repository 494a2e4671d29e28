// Package storage implements C2: append-only, hourly-partitioned
// storage of canonical tick records in two formats (JSON-Lines and
// length-prefixed binary), plus the file-partition index (spec §3.2,
// §4.2, §6.3).
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// Format names a storage encoding.
type Format string

const (
	FormatJSONLines Format = "json-lines"
	FormatBinary    Format = "length-prefixed-binary"
)

// FileState is the lifecycle state of a partition file (spec §3.2).
type FileState string

const (
	StateOpen   FileState = "open"
	StateSealed FileState = "sealed"
	StateFailed FileState = "failed"
)

// IndexEntry describes one partition file (spec §3.2).
type IndexEntry struct {
	ContractID int32
	TickType   tick.Type
	Path       string
	Format     Format
	HourBucketUS int64

	FirstEventTsUS int64
	LastEventTsUS  int64
	RecordCount    int64
	ByteCount      int64

	State FileState
}

// Key identifies a partition independent of hour bucket.
type Key struct {
	ContractID int32
	TickType   tick.Type
	Format     Format
}

// Index is the read-mostly file-partition index (spec §3.2). It is
// guarded by a reader-writer lock per spec §5 ("The file-partition
// index: read-mostly; reader-writer lock").
type Index struct {
	mu      sync.RWMutex
	entries map[Key][]*IndexEntry // ordered by HourBucketUS ascending
}

// NewIndex builds an empty index. Use Reconstruct to populate it from
// an on-disk directory tree at startup (spec §6.3 option (a), the
// only option this implementation supports).
func NewIndex() *Index {
	return &Index{entries: make(map[Key][]*IndexEntry)}
}

// Open records a newly-opened partition file. It is an invariant
// violation (spec §3.2) for two entries of the same Key to both be
// `open` simultaneously; Open enforces this by sealing any existing
// open entry for the key first. Callers MUST call Open on the new
// file before closing the old one (spec §4.2.3 atomic-rotation order).
func (idx *Index) Open(e *IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := Key{e.ContractID, e.TickType, e.Format}
	for _, existing := range idx.entries[k] {
		if existing.State == StateOpen {
			existing.State = StateSealed
		}
	}
	e.State = StateOpen
	idx.entries[k] = append(idx.entries[k], e)
}

// MarkFailed transitions an entry to failed (spec §4.2.3 failure
// policy); the writer will attempt to reopen on the next record.
func (idx *Index) MarkFailed(e *IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e.State = StateFailed
}

// RecordAppend updates counters and the timestamp span after a
// successful append.
func (idx *Index) RecordAppend(e *IndexEntry, eventTsUS int64, n int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e.RecordCount == 0 || eventTsUS < e.FirstEventTsUS {
		e.FirstEventTsUS = eventTsUS
	}
	if eventTsUS > e.LastEventTsUS {
		e.LastEventTsUS = eventTsUS
	}
	e.RecordCount++
	e.ByteCount += n
}

// Entries returns a snapshot of every entry for a key, ordered by
// hour bucket ascending.
func (idx *Index) Entries(k Key) []*IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*IndexEntry, len(idx.entries[k]))
	copy(out, idx.entries[k])
	return out
}

// OpenEntry returns the currently-open entry for a key, if any.
func (idx *Index) OpenEntry(k Key) *IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, e := range idx.entries[k] {
		if e.State == StateOpen {
			return e
		}
	}
	return nil
}

// Intersecting returns entries whose timestamp span intersects
// [startUS, endUS], used by C3's resolution algorithm step 1.
func (idx *Index) Intersecting(k Key, startUS, endUS int64) []*IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []*IndexEntry
	for _, e := range idx.entries[k] {
		if e.LastEventTsUS >= startUS && e.FirstEventTsUS <= endUS {
			out = append(out, e)
		}
	}
	return out
}

func hourBucketUS(eventTsUS int64) int64 {
	const hourUS = int64(3_600_000_000)
	return (eventTsUS / hourUS) * hourUS
}

func partitionPath(root string, format Format, contractID int32, tt tick.Type, hourBucketUS int64) string {
	ext := "jsonl"
	if format == FormatBinary {
		ext = "bin"
	}
	hourBucketSeconds := hourBucketUS / 1_000_000
	// yyyy/mm/dd/hh derived from the UTC hour bucket for a
	// human-readable directory listing (spec §4.2.3).
	ts := time.Unix(hourBucketSeconds, 0).UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02d/%d_%s_%d.%s",
		root, format, ts.Year(), ts.Month(), ts.Day(), ts.Hour(), contractID, tt, hourBucketSeconds, ext)
}
