// Package buffer implements C3: answers range queries over persisted
// storage files, the current-hour open file, and an in-memory tail,
// merging and time-sorting the result (spec §4.3).
package buffer

import (
	"os"
	"sort"

	"github.com/lakowske/ib-stream-sub000/internal/storage"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

// TailSource is the subset of a stream handle C3 needs for step 4 of
// the resolution algorithm (spec §4.3); internal/stream.Handle
// satisfies it.
type TailSource interface {
	TailSince(afterUS int64) []tick.Record
}

// Options controls the optional steps of the resolution algorithm.
type Options struct {
	IncludeTail bool
}

// Engine is C3.
type Engine struct {
	idx    *storage.Index
	format storage.Format
	logger zerolog.Logger
}

// New constructs an Engine reading one storage format. A deployment
// with both JSON-Lines and binary enabled runs one Engine per format
// (spec §4.2: "Two writer implementations... independent of each
// other"; queries read whichever format was requested).
func New(idx *storage.Index, format storage.Format, logger zerolog.Logger) *Engine {
	return &Engine{idx: idx, format: format, logger: logger.With().Str("component", "buffer").Logger()}
}

// Query implements the contract of spec §4.3: query(contract_id,
// tick_type, time_range, options) -> []CanonicalTick, for a single tick
// type (the tick_type_set form is a thin loop over this per caller, so
// each result slice stays attributable to one storage key).
//
// tail, if non-nil, is the live stream handle's tail ring for this
// key; it is only consulted when opts.IncludeTail is set.
func (e *Engine) Query(contractID int32, tt tick.Type, tr TimeRange, opts Options, tail TailSource) ([]tick.Record, error) {
	key := storage.Key{ContractID: contractID, TickType: tt, Format: e.format}

	entries := e.idx.Intersecting(key, tr.StartUS, tr.EndUS)

	var sealed []*storage.IndexEntry
	var openEntry *storage.IndexEntry
	for _, en := range entries {
		if en.State == storage.StateOpen {
			openEntry = en
			continue
		}
		sealed = append(sealed, en)
	}

	var out []tick.Record

	// Step 2: read sealed intersecting files, filter by exact range.
	for _, en := range sealed {
		recs, err := e.readFile(en)
		if err != nil {
			e.logger.Error().Err(err).Str("path", en.Path).Msg("buffer query: failed to read sealed file")
			continue
		}
		out = append(out, filterRange(recs, tr.StartUS, tr.EndUS)...)
	}

	// Step 3: the open file, capped at a byte offset captured at scan
	// start so the read tolerates a concurrent writer (spec §4.3
	// "Concurrency").
	if openEntry != nil && tr.IncludeOpenFile {
		maxBytes := capturedSize(openEntry.Path)
		recs, err := e.readFileCapped(openEntry, maxBytes)
		if err != nil {
			e.logger.Error().Err(err).Str("path", openEntry.Path).Msg("buffer query: failed to read open file")
		} else {
			out = append(out, filterRange(recs, tr.StartUS, tr.EndUS)...)
		}
	}

	// Step 4: drain the live tail ring for anything newer than what was
	// already read from files, deduped on event_ts_us.
	if opts.IncludeTail && tail != nil {
		var newestFromFiles int64
		for _, r := range out {
			if r.EventTsUS > newestFromFiles {
				newestFromFiles = r.EventTsUS
			}
		}
		tailRecs := tail.TailSince(newestFromFiles)
		out = append(out, filterRange(tailRecs, tr.StartUS, tr.EndUS)...)
	}

	// Step 5: merge-sort by event_ts_us; stable so ties preserve the
	// source order already established above (files, then open file,
	// then tail), matching spec §4.3 step 5's tie-breaking rule.
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTsUS < out[j].EventTsUS })

	return out, nil
}

func (e *Engine) readFile(entry *storage.IndexEntry) ([]tick.Record, error) {
	return e.readFileCapped(entry, 0)
}

func (e *Engine) readFileCapped(entry *storage.IndexEntry, maxBytes int64) ([]tick.Record, error) {
	switch e.format {
	case storage.FormatBinary:
		return storage.ReadBinary(entry.Path, maxBytes)
	default:
		return storage.ReadJSONLines(entry.Path, maxBytes)
	}
}

// capturedSize returns the file's current size, used to cap a read of
// the open file to what had been flushed when the query began. A
// missing file (not yet created, or rotated away mid-query) yields 0,
// which ReadJSONLines/ReadBinary treat as "read to EOF".
func capturedSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func filterRange(recs []tick.Record, startUS, endUS int64) []tick.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if r.EventTsUS >= startUS && r.EventTsUS <= endUS {
			out = append(out, r)
		}
	}
	return out
}
