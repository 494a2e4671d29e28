package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/stream"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

type fakeUpstream struct{ next int32 }

func (f *fakeUpstream) Subscribe(contractID int32, tt tick.Type) (int32, error) {
	f.next++
	return f.next, nil
}
func (f *fakeUpstream) Unsubscribe(requestID int32) error { return nil }

func waitForHandle(t *testing.T, mux *stream.Multiplexer, key stream.Key) *stream.Handle {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h, ok := mux.Get(key); ok {
			return h
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("handle for %+v never appeared", key)
	return nil
}

func TestServeSingleStreamLimitOne(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	h := NewHandler(Deps{Mux: mux, Logger: zerolog.Nop()})

	req := httptest.NewRequest("GET", "/stream/5/last?limit=1", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	handle := waitForHandle(t, mux, stream.Key{ContractID: 5, TickType: tick.Last})
	handle.Deliver(tick.Record{EventTsUS: time.Now().UnixMicro(), ContractID: 5, TickType: tick.Last})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not complete after limit was reached")
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"subscribed"`) {
		t.Fatalf("expected a subscribed message, body: %s", body)
	}
	if !strings.Contains(body, `"type":"tick"`) {
		t.Fatalf("expected a tick message, body: %s", body)
	}
	if !strings.Contains(body, `"reason":"limit reached"`) {
		t.Fatalf("expected a limit-reached complete message, body: %s", body)
	}
}

func TestServeUnknownTickTypeReturnsError(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	h := NewHandler(Deps{Mux: mux, Logger: zerolog.Nop()})

	req := httptest.NewRequest("GET", "/stream/5/bogus", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected HTTP 400 for an unknown tick type, got %d", rec.Code)
	}
}

func TestServeMultiTickTypesQueryParam(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	h := NewHandler(Deps{Mux: mux, Logger: zerolog.Nop()})

	req := httptest.NewRequest("GET", "/stream/9?tick_types=last,bid_ask&limit=1", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	handle := waitForHandle(t, mux, stream.Key{ContractID: 9, TickType: tick.Last})
	handle.Deliver(tick.Record{EventTsUS: time.Now().UnixMicro(), ContractID: 9, TickType: tick.Last})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not complete after limit was reached")
	}

	body := rec.Body.String()
	if strings.Count(body, `"type":"subscribed"`) != 2 {
		t.Fatalf("expected 2 subscribed messages for the 2 requested tick types, body: %s", body)
	}
}
