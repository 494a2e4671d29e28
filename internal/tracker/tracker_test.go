package tracker

import (
	"testing"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/config"
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

func TestStartSkipsUnknownTickType(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	tr := New(mux, time.Minute, zerolog.Nop())

	tr.Start([]config.TrackedContract{
		{ContractID: 1, SymbolLabel: "AAPL", TickTypes: []string{"last", "bogus"}, BufferHours: 2},
	})

	if len(tr.Entries()) != 1 {
		t.Fatalf("expected 1 tracked entry (unknown tick type skipped), got %d", len(tr.Entries()))
	}
	if tr.Entries()[0].TickType != tick.Last {
		t.Fatalf("expected tracked tick type 'last', got %s", tr.Entries()[0].TickType)
	}
}

func TestDataFlowingEmptyTrackedSet(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	tr := New(mux, time.Minute, zerolog.Nop())

	if !tr.DataFlowing() {
		t.Fatalf("empty tracked set must report flowing")
	}
}

func TestDataFlowingDetectsStaleness(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	tr := New(mux, 10*time.Millisecond, zerolog.Nop())

	tr.Start([]config.TrackedContract{
		{ContractID: 1, SymbolLabel: "AAPL", TickTypes: []string{"last"}, BufferHours: 1},
	})

	// No tick delivered yet: nothing has ticked within the threshold.
	if tr.DataFlowing() {
		t.Fatalf("a tracked set whose only handle has never ticked must not report flowing")
	}

	h := tr.Entries()[0].Handle
	h.Deliver(tick.Record{EventTsUS: time.Now().UnixMicro()})
	time.Sleep(5 * time.Millisecond) // let the handle goroutine process it

	if !tr.DataFlowing() {
		t.Fatalf("expected flowing right after a fresh tick")
	}

	time.Sleep(30 * time.Millisecond)
	if tr.DataFlowing() {
		t.Fatalf("expected stale after exceeding the staleness threshold")
	}
}

func TestDataFlowingORSemanticsAcrossMultipleEntries(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	tr := New(mux, 10*time.Millisecond, zerolog.Nop())

	tr.Start([]config.TrackedContract{
		{ContractID: 1, SymbolLabel: "AAPL", TickTypes: []string{"last"}, BufferHours: 1},
		{ContractID: 2, SymbolLabel: "MSFT", TickTypes: []string{"last"}, BufferHours: 1},
	})
	if len(tr.Entries()) != 2 {
		t.Fatalf("expected 2 tracked entries, got %d", len(tr.Entries()))
	}

	stale := tr.Entries()[0].Handle
	fresh := tr.Entries()[1].Handle

	// Make one entry stale while the other stays fresh: data_flowing
	// must be true as long as at least one entry is fresh, not false
	// as soon as any single entry goes stale.
	stale.Deliver(tick.Record{EventTsUS: time.Now().UnixMicro()})
	time.Sleep(30 * time.Millisecond) // let the first entry go stale

	fresh.Deliver(tick.Record{EventTsUS: time.Now().UnixMicro()})
	time.Sleep(5 * time.Millisecond) // let the handle goroutine process it

	if !tr.DataFlowing() {
		t.Fatalf("expected flowing when at least one of several tracked entries is fresh")
	}

	time.Sleep(30 * time.Millisecond) // let the second entry go stale too
	if tr.DataFlowing() {
		t.Fatalf("expected stale once every tracked entry has exceeded the staleness threshold")
	}
}
