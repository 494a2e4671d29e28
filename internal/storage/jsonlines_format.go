package storage

import "github.com/lakowske/ib-stream-sub000/internal/tick"

// jsonLinesEncoder implements encoder for the JSON-Lines format
// (spec §4.2.1): one record per line, no file header.
type jsonLinesEncoder struct{}

func (jsonLinesEncoder) format() Format { return FormatJSONLines }

func (jsonLinesEncoder) header(tick.Header) []byte { return nil }

func (jsonLinesEncoder) record(r tick.Record) []byte {
	line, err := tick.EncodeJSONLine(r)
	if err != nil {
		// EncodeJSONLine only fails on programmer error (a Record with
		// no marshalable fields can't happen here); surface nothing
		// rather than writing a malformed line.
		return nil
	}
	return append(line, '\n')
}
