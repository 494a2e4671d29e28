// Package tick implements the canonical tick record and the C1 codec
// that translates raw upstream callback arguments into it: tick-type
// alias folding, deterministic request-id hashing, and (de)serialization
// for both on-disk formats. See spec §3.1 and §4.1.
package tick

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"
)

// Type is the canonical tick-type enumeration (spec §3.1).
type Type string

const (
	Last     Type = "last"
	BidAsk   Type = "bid_ask"
	MidPoint Type = "mid_point"
	AllLast  Type = "all_last"
)

var canonical = map[Type]struct{}{
	Last: {}, BidAsk: {}, MidPoint: {}, AllLast: {},
}

// aliases folds non-canonical upstream labels into a canonical type
// before anything else sees them (spec §4.1: "time_sales" -> "last").
var aliases = map[string]Type{
	"time_sales": Last,
}

// ErrUnknownTickType is returned when a label is not a canonical type
// and has no known alias (spec §7, kind UnknownTickType).
type ErrUnknownTickType struct{ Label string }

func (e ErrUnknownTickType) Error() string {
	return fmt.Sprintf("unknown tick type: %q", e.Label)
}

func (ErrUnknownTickType) Kind() string { return "UnknownTickType" }

// NormalizeType resolves an upstream label to its canonical Type,
// folding known aliases first.
func NormalizeType(label string) (Type, error) {
	if t, ok := aliases[label]; ok {
		return t, nil
	}
	t := Type(label)
	if _, ok := canonical[t]; ok {
		return t, nil
	}
	return "", ErrUnknownTickType{Label: label}
}

// Record is the canonical tick record (spec §3.1). Optional fields use
// pointer/NullX-free zero-value-is-absent semantics matched at
// serialization time: a field is omitted when it is the type's zero
// value, matching "serialized records omit fields that are absent or
// default-false."
type Record struct {
	EventTsUS int64
	SysTsUS   int64
	ContractID int32
	TickType  Type
	RequestID int32

	Price decimal.Decimal
	Size  decimal.Decimal

	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal

	MidPrice decimal.Decimal

	BidPastLow  bool
	AskPastHigh bool
	Unreported  bool
}

// HasPrice reports whether Price/Size are meaningful for this record's
// tick type (last/all_last).
func (r Record) HasPrice() bool {
	return r.TickType == Last || r.TickType == AllLast
}

// HasBidAsk reports whether the bid/ask fields are meaningful.
func (r Record) HasBidAsk() bool {
	return r.TickType == BidAsk
}

// HasMid reports whether MidPrice is meaningful.
func (r Record) HasMid() bool {
	return r.TickType == MidPoint
}

// RequestID computes the deterministic request id described in spec
// §4.1: abs(int32(md5(f"{contract_id}_{tick_type}_{sys_ts_us}")[:4])).
// The same inputs always yield the same output (invariant 6, §8.1),
// which lets operators correlate upstream log lines with stored ticks.
func RequestID(contractID int32, tickType Type, sysTsUS int64) int32 {
	input := fmt.Sprintf("%d_%s_%d", contractID, tickType, sysTsUS)
	sum := md5.Sum([]byte(input))
	v := int32(binary.BigEndian.Uint32(sum[:4]))
	if v < 0 {
		v = -v
	}
	return v
}

// UpstreamFields is the raw argument bag a C1 caller supplies; only
// the fields relevant to the resolved tick type are consulted.
type UpstreamFields struct {
	EventTsUS *int64 // optional; falls back to SysTsUS when absent (spec §4.1)

	Price, Size                   decimal.Decimal
	BidPrice, BidSize              decimal.Decimal
	AskPrice, AskSize              decimal.Decimal
	MidPrice                       decimal.Decimal
	BidPastLow, AskPastHigh, Unreported bool
}

// Encode converts upstream callback arguments into a canonical Record,
// folding aliases and computing the deterministic request id (C1
// contract, spec §4.1).
func Encode(contractID int32, tickTypeLabel string, sysTsUS int64, fields UpstreamFields) (Record, error) {
	tt, err := NormalizeType(tickTypeLabel)
	if err != nil {
		return Record{}, err
	}

	eventTs := sysTsUS
	if fields.EventTsUS != nil {
		eventTs = *fields.EventTsUS
	}

	r := Record{
		EventTsUS:  eventTs,
		SysTsUS:    sysTsUS,
		ContractID: contractID,
		TickType:   tt,
		RequestID:  RequestID(contractID, tt, sysTsUS),

		BidPastLow:  fields.BidPastLow,
		AskPastHigh: fields.AskPastHigh,
		Unreported:  fields.Unreported,
	}

	switch tt {
	case Last, AllLast:
		r.Price, r.Size = fields.Price, fields.Size
	case BidAsk:
		r.BidPrice, r.BidSize = fields.BidPrice, fields.BidSize
		r.AskPrice, r.AskSize = fields.AskPrice, fields.AskSize
	case MidPoint:
		r.MidPrice = fields.MidPrice
	}

	return r, nil
}
