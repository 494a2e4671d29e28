package tick

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatVersion is the version field written into every binary file
// header (spec §4.2.2).
const FormatVersion uint16 = 1

// FormatID distinguishes this binary schema from any future revision.
const FormatID uint16 = 1

// Header describes a length-prefixed binary partition file's first
// framed record (spec §4.2.2).
type Header struct {
	Version      uint16
	FormatID     uint16
	ContractID   int32
	TickType     Type
	HourBucketUS int64
}

// EncodeHeader serializes a Header as the payload of the first frame
// in a binary partition file.
func EncodeHeader(h Header) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, h.Version)
	binary.Write(buf, binary.BigEndian, h.FormatID)
	binary.Write(buf, binary.BigEndian, h.ContractID)
	tt := make([]byte, 16)
	copy(tt, h.TickType)
	buf.Write(tt)
	binary.Write(buf, binary.BigEndian, h.HourBucketUS)
	return buf.Bytes()
}

// DecodeHeader parses a Header frame payload.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 2+2+4+16+8 {
		return Header{}, fmt.Errorf("binary header too short: %d bytes", len(b))
	}
	r := bytes.NewReader(b)
	var h Header
	binary.Read(r, binary.BigEndian, &h.Version)
	binary.Read(r, binary.BigEndian, &h.FormatID)
	binary.Read(r, binary.BigEndian, &h.ContractID)
	tt := make([]byte, 16)
	r.Read(tt)
	h.TickType = Type(bytes.TrimRight(tt, "\x00"))
	binary.Read(r, binary.BigEndian, &h.HourBucketUS)
	return h, nil
}

// optionalFlags bit layout for the binary record schema.
const (
	flagHasPrice = 1 << iota
	flagHasBidAsk
	flagHasMid
	flagBidPastLow
	flagAskPastHigh
	flagUnreported
)

// EncodeBinaryRecord serializes a Record as the payload of one
// length-prefixed frame (spec §4.2.2: optional fields are represented
// by their absence in the binary schema, driven by a flags byte).
func EncodeBinaryRecord(r Record) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, r.EventTsUS)
	binary.Write(buf, binary.BigEndian, r.SysTsUS)
	binary.Write(buf, binary.BigEndian, r.ContractID)
	binary.Write(buf, binary.BigEndian, r.RequestID)

	var flags byte
	if r.HasPrice() {
		flags |= flagHasPrice
	}
	if r.HasBidAsk() {
		flags |= flagHasBidAsk
	}
	if r.HasMid() {
		flags |= flagHasMid
	}
	if r.BidPastLow {
		flags |= flagBidPastLow
	}
	if r.AskPastHigh {
		flags |= flagAskPastHigh
	}
	if r.Unreported {
		flags |= flagUnreported
	}
	buf.WriteByte(flags)

	writeDec := func(d decimal.Decimal) {
		s := d.String()
		binary.Write(buf, binary.BigEndian, uint16(len(s)))
		buf.WriteString(s)
	}

	switch {
	case r.HasPrice():
		writeDec(r.Price)
		writeDec(r.Size)
	case r.HasBidAsk():
		writeDec(r.BidPrice)
		writeDec(r.BidSize)
		writeDec(r.AskPrice)
		writeDec(r.AskSize)
	case r.HasMid():
		writeDec(r.MidPrice)
	}

	return buf.Bytes()
}

// DecodeBinaryRecord parses one frame payload into a Record. tickType
// is supplied by the caller (it is fixed per-partition and not
// re-encoded per record, since every record in a binary file shares
// the same contract_id/tick_type as the file's header).
func DecodeBinaryRecord(b []byte, tickType Type) (Record, error) {
	if len(b) < 8+8+4+4+1 {
		return Record{}, fmt.Errorf("binary record too short: %d bytes", len(b))
	}
	r := bytes.NewReader(b)
	var rec Record
	rec.TickType = tickType

	binary.Read(r, binary.BigEndian, &rec.EventTsUS)
	binary.Read(r, binary.BigEndian, &rec.SysTsUS)
	binary.Read(r, binary.BigEndian, &rec.ContractID)
	binary.Read(r, binary.BigEndian, &rec.RequestID)

	flags, err := r.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("reading flags byte: %w", err)
	}
	rec.BidPastLow = flags&flagBidPastLow != 0
	rec.AskPastHigh = flags&flagAskPastHigh != 0
	rec.Unreported = flags&flagUnreported != 0

	readDec := func() (decimal.Decimal, error) {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return decimal.Decimal{}, err
		}
		s := make([]byte, n)
		if _, err := r.Read(s); err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(string(s))
	}

	switch {
	case flags&flagHasPrice != 0:
		rec.Price, _ = readDec()
		rec.Size, _ = readDec()
	case flags&flagHasBidAsk != 0:
		rec.BidPrice, _ = readDec()
		rec.BidSize, _ = readDec()
		rec.AskPrice, _ = readDec()
		rec.AskSize, _ = readDec()
	case flags&flagHasMid != 0:
		rec.MidPrice, _ = readDec()
	}

	return rec, nil
}
