package buffer

import (
	"testing"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/storage"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func mkRecord(eventTsUS int64) tick.Record {
	return tick.Record{
		EventTsUS: eventTsUS, SysTsUS: eventTsUS, ContractID: 1,
		TickType: tick.Last, RequestID: tick.RequestID(1, tick.Last, eventTsUS),
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
	}
}

type fakeTail struct{ recs []tick.Record }

func (f fakeTail) TailSince(afterUS int64) []tick.Record {
	var out []tick.Record
	for _, r := range f.recs {
		if r.EventTsUS > afterUS {
			out = append(out, r)
		}
	}
	return out
}

func TestQueryMergesSealedOpenAndTail(t *testing.T) {
	dir := t.TempDir()
	idx := storage.NewIndex()
	w := storage.NewJSONLinesWriter(dir, 1, tick.Last, idx, nil, zerolog.Nop())

	const hourUS = int64(3_600_000_000)
	w.Append(mkRecord(hourUS*1 + 100)) // sealed hour 1
	w.Append(mkRecord(hourUS*2 + 100)) // rotates; hour 1 now sealed, hour 2 open
	w.Append(mkRecord(hourUS*2 + 200)) // still in open hour 2

	eng := New(idx, storage.FormatJSONLines, zerolog.Nop())
	tail := fakeTail{recs: []tick.Record{mkRecord(hourUS*2 + 300)}}

	tr := TimeRange{StartUS: 0, EndUS: hourUS*2 + 1000, IncludeOpenFile: true}
	recs, err := eng.Query(1, tick.Last, tr, Options{IncludeTail: true}, tail)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(recs) != 4 {
		t.Fatalf("expected 4 merged records (1 sealed + 2 open + 1 tail), got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].EventTsUS < recs[i-1].EventTsUS {
			t.Fatalf("result not sorted by event_ts_us at index %d", i)
		}
	}
	if recs[len(recs)-1].EventTsUS != hourUS*2+300 {
		t.Fatalf("expected tail record last, got ts=%d", recs[len(recs)-1].EventTsUS)
	}
}

func TestQueryWithoutIncludeOpenFileOmitsOpenFile(t *testing.T) {
	dir := t.TempDir()
	idx := storage.NewIndex()
	w := storage.NewJSONLinesWriter(dir, 1, tick.Last, idx, nil, zerolog.Nop())

	const hourUS = int64(3_600_000_000)
	w.Append(mkRecord(hourUS*1 + 100))
	w.Append(mkRecord(hourUS*2 + 100)) // seals hour 1, opens hour 2

	eng := New(idx, storage.FormatJSONLines, zerolog.Nop())
	tr := TimeRange{StartUS: 0, EndUS: hourUS*3, IncludeOpenFile: false}
	recs, err := eng.Query(1, tick.Last, tr, Options{}, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected only the sealed record, got %d", len(recs))
	}
}

func TestResolveRelativeWindow(t *testing.T) {
	now := time.Now().UTC()
	tr, err := ResolveRelativeWindow("last_15m", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantStart := now.Add(-15 * time.Minute).UnixMicro()
	if tr.StartUS != wantStart {
		t.Fatalf("expected start %d got %d", wantStart, tr.StartUS)
	}
	if !tr.IncludeOpenFile {
		t.Fatalf("relative windows must include the open file")
	}
}

func TestResolveNamedSessionUSRegular(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, loc) // a weekday, mid-session
	tr, err := ResolveNamedSession("us_regular", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tr.StartUS >= tr.EndUS {
		t.Fatalf("expected start before end, got %d..%d", tr.StartUS, tr.EndUS)
	}

	start := time.UnixMicro(tr.StartUS).In(loc)
	if start.Hour() != 9 || start.Minute() != 30 {
		t.Fatalf("expected 9:30 local start, got %v", start)
	}
}

func TestResolveNamedSessionOvernightSpansMidnight(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 10, 22, 0, 0, 0, loc)
	tr, err := ResolveNamedSession("us_overnight", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	end := time.UnixMicro(tr.EndUS).In(loc)
	if end.Day() == now.Day() {
		t.Fatalf("expected overnight session end on the following day, got %v", end)
	}
}

func TestResolveUnknownWindowAndSession(t *testing.T) {
	if _, err := ResolveRelativeWindow("last_week", time.Now()); err == nil {
		t.Fatalf("expected an error for an unknown relative window")
	}
	if _, err := ResolveNamedSession("mars_regular", time.Now()); err == nil {
		t.Fatalf("expected an error for an unknown market session")
	}
}
