package storage

import (
	"testing"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func mkRecord(eventTsUS int64) tick.Record {
	return tick.Record{
		EventTsUS: eventTsUS, SysTsUS: eventTsUS, ContractID: 711280073,
		TickType: tick.Last, RequestID: tick.RequestID(711280073, tick.Last, eventTsUS),
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
	}
}

func TestJSONLinesWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := NewIndex()
	w := NewJSONLinesWriter(dir, 711280073, tick.Last, idx, noopArchiver{}, zerolog.Nop())

	const hourUS = int64(3_600_000_000)
	if err := w.Append(mkRecord(hourUS + 1000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(mkRecord(hourUS + 2000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	entry := idx.OpenEntry(Key{711280073, tick.Last, FormatJSONLines})
	if entry == nil {
		t.Fatal("expected an open entry after two appends in the same hour")
	}
	if entry.RecordCount != 2 {
		t.Fatalf("expected 2 records, got %d", entry.RecordCount)
	}

	records, err := ReadJSONLines(entry.Path, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records on disk, got %d", len(records))
	}
}

func TestRotationSealsPreviousHour(t *testing.T) {
	dir := t.TempDir()
	idx := NewIndex()
	w := NewJSONLinesWriter(dir, 1, tick.Last, idx, noopArchiver{}, zerolog.Nop())

	const hourUS = int64(3_600_000_000)
	w.Append(mkRecord(hourUS * 1))
	w.Append(mkRecord(hourUS * 2))
	w.Append(mkRecord(hourUS * 3))
	w.Close()

	entries := idx.Entries(Key{1, tick.Last, FormatJSONLines})
	if len(entries) != 3 {
		t.Fatalf("expected 3 rotated entries, got %d", len(entries))
	}

	sealedCount := 0
	openCount := 0
	for _, e := range entries {
		switch e.State {
		case StateSealed:
			sealedCount++
		case StateOpen:
			openCount++
		}
	}
	if sealedCount != 2 || openCount != 1 {
		t.Fatalf("expected 2 sealed + 1 open, got %d sealed, %d open", sealedCount, openCount)
	}
}

func TestBinaryWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := NewIndex()
	w := NewBinaryWriter(dir, 2, tick.BidAsk, idx, noopArchiver{}, zerolog.Nop())

	r := tick.Record{
		EventTsUS: 1000, SysTsUS: 1000, ContractID: 2, TickType: tick.BidAsk,
		BidPrice: decimal.NewFromFloat(10.5), BidSize: decimal.NewFromInt(1),
		AskPrice: decimal.NewFromFloat(10.6), AskSize: decimal.NewFromInt(2),
	}
	if err := w.Append(r); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	entry := idx.OpenEntry(Key{2, tick.BidAsk, FormatBinary})
	records, err := ReadBinary(entry.Path, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].BidPrice.Equal(r.BidPrice) {
		t.Fatalf("bid price mismatch: got %s want %s", records[0].BidPrice, r.BidPrice)
	}
}

func TestReconstructFindsNewestOpen(t *testing.T) {
	dir := t.TempDir()
	idx := NewIndex()
	w := NewJSONLinesWriter(dir, 3, tick.Last, idx, noopArchiver{}, zerolog.Nop())
	const hourUS = int64(3_600_000_000)
	w.Append(mkRecord(hourUS * 10))
	w.Append(mkRecord(hourUS * 11))
	w.Close()

	rebuilt, err := Reconstruct(dir)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	entries := rebuilt.Entries(Key{3, tick.Last, FormatJSONLines})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after reconstruct, got %d", len(entries))
	}
	open := rebuilt.OpenEntry(Key{3, tick.Last, FormatJSONLines})
	if open == nil || open.HourBucketUS != hourUS*11 {
		t.Fatalf("expected newest bucket marked open, got %+v", open)
	}
}
