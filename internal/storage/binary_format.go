package storage

import (
	"encoding/binary"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// binaryEncoder implements encoder for the length-prefixed binary
// format (spec §4.2.2): a header frame followed by `[4-byte
// big-endian length][serialized record]` frames.
type binaryEncoder struct{}

func (binaryEncoder) format() Format { return FormatBinary }

func (binaryEncoder) header(h tick.Header) []byte {
	return frame(tick.EncodeHeader(h))
}

func (binaryEncoder) record(r tick.Record) []byte {
	return frame(tick.EncodeBinaryRecord(r))
}

func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}
