package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

// Writer is the append interface shared by both storage formats (spec
// §4.2: "Two writer implementations share an interface
// append(CanonicalTick) -> void").
type Writer interface {
	Append(r tick.Record) error
	Close() error
}

// encoder produces the bytes for one record plus, on the very first
// write of a new file, a header. Implemented separately for each
// format so rotatingWriter can stay format-agnostic.
type encoder interface {
	format() Format
	header(h tick.Header) []byte
	record(r tick.Record) []byte
}

// rotatingWriter owns exactly one open os.File per (contractID,
// tickType) for its format, rotating on the UTC hour boundary (spec
// §4.2.3). Each open file is owned exclusively by this writer; no
// cross-task sharing of file descriptors (spec §5).
type rotatingWriter struct {
	mu sync.Mutex

	root       string
	contractID int32
	tickType   tick.Type
	enc        encoder
	index      *Index
	archiver   Archiver
	logger     zerolog.Logger

	f       *os.File
	entry   *IndexEntry
	bufPool *bufferPool
}

// Archiver receives sealed partition paths for optional off-box
// archival (SPEC_FULL.md §12); a no-op implementation disables it.
type Archiver interface {
	Archive(path string)
}

// NewJSONLinesWriter constructs a Writer for the JSON-Lines format.
func NewJSONLinesWriter(root string, contractID int32, tt tick.Type, idx *Index, arc Archiver, logger zerolog.Logger) Writer {
	return &rotatingWriter{
		root: root, contractID: contractID, tickType: tt,
		enc: jsonLinesEncoder{}, index: idx, archiver: arc, logger: logger,
		bufPool: newBufferPool(),
	}
}

// NewBinaryWriter constructs a Writer for the length-prefixed binary
// format.
func NewBinaryWriter(root string, contractID int32, tt tick.Type, idx *Index, arc Archiver, logger zerolog.Logger) Writer {
	return &rotatingWriter{
		root: root, contractID: contractID, tickType: tt,
		enc: binaryEncoder{}, index: idx, archiver: arc, logger: logger,
		bufPool: newBufferPool(),
	}
}

// Append writes one record, rotating the underlying file first if the
// record's hour bucket differs from the currently-open file's.
//
// Failure policy (spec §4.2.3): storage errors never propagate past
// this call in a way that would affect the fan-out path; the caller
// (C4) always treats Append as best-effort and continues regardless
// of the returned error, after logging it. This method itself still
// returns the error so the caller can count it in metrics.
func (w *rotatingWriter) Append(r tick.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	bucket := hourBucketUS(r.EventTsUS)
	if w.entry == nil {
		if err := w.resumeOrRotate(bucket); err != nil {
			metrics.StorageWriteErrorsTotal.WithLabelValues(string(w.enc.format())).Inc()
			return err
		}
	} else if w.entry.HourBucketUS != bucket {
		if err := w.rotate(bucket); err != nil {
			metrics.StorageWriteErrorsTotal.WithLabelValues(string(w.enc.format())).Inc()
			return err
		}
	}

	bufp := w.bufPool.get(128)
	*bufp = append(*bufp, w.enc.record(r)...)
	n, err := w.f.Write(*bufp)
	w.bufPool.put(bufp)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.entry.Path).Msg("storage write failed")
		if w.entry != nil {
			w.index.MarkFailed(w.entry)
		}
		metrics.StorageWriteErrorsTotal.WithLabelValues(string(w.enc.format())).Inc()
		w.entry = nil // force reopen attempt on next record
		return err
	}

	w.index.RecordAppend(w.entry, r.EventTsUS, int64(n))
	return nil
}

// resumeOrRotate is only called on a writer's first Append after
// construction, which includes a process restart mid-hour: Reconstruct
// already marked the newest on-disk partition for this key `open`, so
// if its bucket matches the record being appended, reopen that same
// file instead of minting a fresh IndexEntry. Without this, Index.Open
// would seal the reconstructed entry and append a second `open` entry
// for the same path, and C3's Intersecting step would then match and
// read that file twice. A bucket mismatch (the reconstructed open
// entry is from a previous hour) still rotates normally.
func (w *rotatingWriter) resumeOrRotate(bucket int64) error {
	key := Key{ContractID: w.contractID, TickType: w.tickType, Format: w.enc.format()}
	if existing := w.index.OpenEntry(key); existing != nil && existing.HourBucketUS == bucket {
		f, err := os.OpenFile(existing.Path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.f, w.entry = f, existing
		return nil
	}
	return w.rotate(bucket)
}

// rotate opens the file for the target bucket and registers it as the
// index's open entry BEFORE it syncs and closes the previous one. The
// record that triggered the rotation is not written here: Append writes
// it after rotate returns, so the previous file is already closed when
// the first record of the new bucket is appended.
func (w *rotatingWriter) rotate(bucket int64) error {
	path := partitionPath(w.root, w.enc.format(), w.contractID, w.tickType, bucket)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	newFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	newEntry := &IndexEntry{
		ContractID: w.contractID, TickType: w.tickType, Path: path,
		Format: w.enc.format(), HourBucketUS: bucket,
	}

	if w.enc.format() == FormatBinary {
		hdr := w.enc.header(tick.Header{
			Version: tick.FormatVersion, FormatID: tick.FormatID,
			ContractID: w.contractID, TickType: w.tickType, HourBucketUS: bucket,
		})
		if _, err := newFile.Write(hdr); err != nil {
			newFile.Close()
			return err
		}
	}

	w.index.Open(newEntry) // new file is now the index's "open" entry

	prevFile, prevEntry := w.f, w.entry
	w.f, w.entry = newFile, newEntry

	if prevFile != nil {
		prevFile.Sync()
		prevFile.Close()
		metrics.StorageRotationsTotal.WithLabelValues(string(w.enc.format())).Inc()
		if w.archiver != nil && prevEntry != nil {
			go w.archiver.Archive(prevEntry.Path)
		}
	}

	return nil
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	w.f.Sync()
	return w.f.Close()
}

// noopArchiver disables archival; used when SPEC_FULL.md §12's
// archive_s3_bucket configuration key is unset.
type noopArchiver struct{}

func (noopArchiver) Archive(string) {}

var _ Archiver = noopArchiver{}
