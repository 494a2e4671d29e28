package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// Reconstruct rebuilds an Index by scanning the on-disk directory
// tree (spec §6.3 option (a), the only index-persistence strategy
// this implementation supports). File names follow
// {contract_id}_{tick_type}_{hour_bucket_seconds}.{ext}; the newest
// bucket per key is marked `open`, everything else `sealed` — a
// process restart never resumes appending into an old sealed file.
func Reconstruct(root string) (*Index, error) {
	idx := NewIndex()

	for _, format := range []Format{FormatJSONLines, FormatBinary} {
		formatRoot := filepath.Join(root, string(format))
		ext := ".jsonl"
		if format == FormatBinary {
			ext = ".bin"
		}

		err := filepath.Walk(formatRoot, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() || !strings.HasSuffix(path, ext) {
				return nil
			}

			name := strings.TrimSuffix(filepath.Base(path), ext)
			parts := strings.Split(name, "_")
			if len(parts) < 3 {
				return nil
			}
			cid, err := strconv.ParseInt(parts[0], 10, 32)
			if err != nil {
				return nil
			}
			ttLabel := strings.Join(parts[1:len(parts)-1], "_")
			tt, err := tick.NormalizeType(ttLabel)
			if err != nil {
				return nil
			}
			bucketSec, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
			if err != nil {
				return nil
			}

			hourBucketUS := bucketSec * 1_000_000
			e := &IndexEntry{
				ContractID: int32(cid), TickType: tt, Path: path, Format: format,
				HourBucketUS: hourBucketUS, State: StateSealed,
				// Exact span is unknown until the file is read; approximate
				// with the hour-aligned window so range-intersection checks
				// (C3 step 1) still include this file. Reading every
				// reconstructed file up front to get exact bounds would
				// make startup time proportional to total stored history.
				FirstEventTsUS: hourBucketUS,
				LastEventTsUS:  hourBucketUS + 3_600_000_000 - 1,
			}
			if info.Size() > 0 {
				e.ByteCount = info.Size()
			}
			k := Key{e.ContractID, e.TickType, e.Format}
			idx.entries[k] = append(idx.entries[k], e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// The entry with the greatest hour bucket per key is the one still
	// receiving writes; everything else stays sealed.
	for _, entries := range idx.entries {
		if len(entries) == 0 {
			continue
		}
		newest := entries[0]
		for _, e := range entries[1:] {
			if e.HourBucketUS > newest.HourBucketUS {
				newest = e
			}
		}
		newest.State = StateOpen
	}

	return idx, nil
}
