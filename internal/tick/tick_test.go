package tick

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeTypeFoldsAlias(t *testing.T) {
	got, err := NormalizeType("time_sales")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Last {
		t.Fatalf("expected alias to fold to %q, got %q", Last, got)
	}
}

func TestNormalizeTypeRejectsUnknown(t *testing.T) {
	_, err := NormalizeType("not_a_real_type")
	if err == nil {
		t.Fatal("expected ErrUnknownTickType, got nil")
	}
	if _, ok := err.(ErrUnknownTickType); !ok {
		t.Fatalf("expected ErrUnknownTickType, got %T", err)
	}
}

func TestRequestIDDeterministic(t *testing.T) {
	a := RequestID(711280073, Last, 1_000_000_000_000_000)
	b := RequestID(711280073, Last, 1_000_000_000_000_000)
	if a != b {
		t.Fatalf("request id not deterministic: %d != %d", a, b)
	}
	if a < 0 {
		t.Fatalf("request id must be non-negative, got %d", a)
	}

	c := RequestID(711280073, BidAsk, 1_000_000_000_000_000)
	if a == c {
		t.Fatalf("different tick types should (almost always) hash differently")
	}
}

func TestEncodeTimeSalesFoldsToLast(t *testing.T) {
	r, err := Encode(711280073, "time_sales", 1000, UpstreamFields{
		Price: decimal.NewFromInt(100),
		Size:  decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TickType != Last {
		t.Fatalf("expected tick type last, got %q", r.TickType)
	}
}

func TestJSONLinesRoundTrip(t *testing.T) {
	r, err := Encode(711280073, "last", 1000, UpstreamFields{
		Price: decimal.NewFromInt(100),
		Size:  decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	line, err := EncodeJSONLine(r)
	if err != nil {
		t.Fatalf("encode json line: %v", err)
	}

	back, err := DecodeJSONLine(line)
	if err != nil {
		t.Fatalf("decode json line: %v", err)
	}

	if !back.Price.Equal(r.Price) || !back.Size.Equal(r.Size) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", back, r)
	}
	if back.EventTsUS != r.EventTsUS || back.ContractID != r.ContractID {
		t.Fatalf("round trip mismatch on identity fields: got %+v, want %+v", back, r)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	r, err := Encode(711280073, "bid_ask", 1000, UpstreamFields{
		BidPrice: decimal.NewFromFloat(99.5),
		BidSize:  decimal.NewFromInt(10),
		AskPrice: decimal.NewFromFloat(99.75),
		AskSize:  decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	frame := EncodeBinaryRecord(r)
	back, err := DecodeBinaryRecord(frame, BidAsk)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !back.BidPrice.Equal(r.BidPrice) || !back.AskSize.Equal(r.AskSize) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", back, r)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: FormatVersion, FormatID: FormatID, ContractID: 42, TickType: BidAsk, HourBucketUS: 123456}
	encoded := EncodeHeader(h)
	back, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if back != h {
		t.Fatalf("header round trip mismatch: got %+v, want %+v", back, h)
	}
}
