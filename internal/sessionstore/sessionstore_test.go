package sessionstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithoutDSNReturnsNoop(t *testing.T) {
	s, err := New(context.Background(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error constructing the no-op store: %v", err)
	}

	// None of these should panic or block; the no-op discards everything.
	s.RecordConnect(context.Background(), "sess-1", 1, "last", "127.0.0.1")
	s.RecordDisconnect(context.Background(), "sess-1", "client closed")
	s.Close()
}
