// Package envelope implements the unified wire message envelope shared
// by both transport adapters (spec §4.7.1).
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the envelope's `type` field.
type Type string

const (
	TypeTick     Type = "tick"
	TypeError    Type = "error"
	TypeComplete Type = "complete"
	TypeInfo     Type = "info"
)

// Envelope is the message every subscriber receives, regardless of
// transport (spec §4.7.1). `stream_id` identifies the subscriber's own
// view of a stream and is distinct from the upstream-facing
// `request_id` minted by C1/C5 (spec §9 Open Question).
type Envelope struct {
	Type      Type            `json:"type"`
	StreamID  string          `json:"stream_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// New builds an envelope, stamping the current time in the required
// ISO-8601 UTC millisecond-precision form.
func New(typ Type, streamID string, data, metadata interface{}) (Envelope, error) {
	d, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	var m json.RawMessage
	if metadata != nil {
		m, err = json.Marshal(metadata)
		if err != nil {
			return Envelope{}, err
		}
	}
	return Envelope{
		Type:      typ,
		StreamID:  streamID,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Data:      d,
		Metadata:  m,
	}, nil
}

// NewStreamID mints a subscriber-facing stream identifier per spec
// §4.7.1: "<contract>_<tick_type>_<creation_ms>_<rand>". Distinct from
// the upstream-facing request_id (spec §9 Open Question: "an
// implementer should not merge them").
func NewStreamID(contractID int32, tickType string) string {
	rand := uuid.New().String()[:8]
	return fmt.Sprintf("%d_%s_%d_%s", contractID, tickType, time.Now().UnixMilli(), rand)
}

// Marshal serializes the envelope. Data/Metadata are already
// marshaled JSON (json.RawMessage), so the standard encoder avoids
// any double-marshaling cost.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// TickMetadata is the `metadata` payload attached to `tick` envelopes
// during the buffer+live handoff (spec §4.7.4): historical replay
// records are tagged true, live records false.
type TickMetadata struct {
	Historical bool `json:"historical"`
}

// ErrorData is the `data` payload for `error` envelopes.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// CompleteData is the `data` payload for `complete` envelopes.
type CompleteData struct {
	Reason string `json:"reason"`
}

// InfoData is the `data` payload for `info` envelopes (e.g. the
// `buffer_complete` status marking the handoff boundary, spec §4.7.4).
type InfoData struct {
	Status string `json:"status"`
}
