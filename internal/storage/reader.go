package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// ReadJSONLines reads every complete line from path, up to maxBytes if
// maxBytes > 0 (used to bound reads of the currently-open file at the
// byte offset captured when a query began, spec §4.3 "Concurrency").
func ReadJSONLines(path string, maxBytes int64) ([]tick.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes)
	}

	var out []tick.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := tick.DecodeJSONLine(line)
		if err != nil {
			continue // tolerate a torn trailing line from a concurrent writer
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadBinary reads every complete framed record from path (skipping
// the header frame), up to maxBytes if maxBytes > 0.
func ReadBinary(path string, maxBytes int64) ([]tick.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	headerPayload, ok := readFrame(br)
	if !ok {
		return nil, nil
	}
	header, err := tick.DecodeHeader(headerPayload)
	if err != nil {
		return nil, fmt.Errorf("decoding header of %s: %w", path, err)
	}

	var consumed int64 = int64(4 + len(headerPayload))
	var out []tick.Record
	for {
		if maxBytes > 0 && consumed >= maxBytes {
			break
		}
		payload, ok := readFrame(br)
		if !ok {
			break
		}
		consumed += int64(4 + len(payload))
		rec, err := tick.DecodeBinaryRecord(payload, header.TickType)
		if err != nil {
			continue // tolerate a torn trailing frame from a concurrent writer
		}
		out = append(out, rec)
	}
	return out, nil
}

// readFrame reads one [4-byte big-endian length][payload] frame,
// returning ok=false on EOF or a truncated trailing frame (the latter
// happens when reading a file a concurrent writer is still appending
// to, and is tolerated rather than treated as an error).
func readFrame(r *bufio.Reader) ([]byte, bool) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, false
	}
	n := binary.BigEndian.Uint32(lenBuf)
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false
	}
	return payload, true
}
