package tick

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// jsonRecord mirrors Record with the short mnemonic keys mandated by
// spec §4.2.1 ("ts", "cid", "tt", "rid", "p", "s", "bp", "bs", "ap",
// "as", "mp", "bpl", "aph", "upt") to cut disk volume roughly in half
// versus verbose field names. Zero/absent optional fields are omitted
// via `omitempty`.
type jsonRecord struct {
	TS  int64  `json:"ts"`
	CID int32  `json:"cid"`
	TT  string `json:"tt"`
	RID int32  `json:"rid"`

	P *string `json:"p,omitempty"`
	S *string `json:"s,omitempty"`

	BP *string `json:"bp,omitempty"`
	BS *string `json:"bs,omitempty"`
	AP *string `json:"ap,omitempty"`
	AS *string `json:"as,omitempty"`

	MP *string `json:"mp,omitempty"`

	BPL bool `json:"bpl,omitempty"`
	APH bool `json:"aph,omitempty"`
	UPT bool `json:"upt,omitempty"`
}

func decStr(d decimal.Decimal) *string {
	if d.IsZero() {
		return nil
	}
	s := d.String()
	return &s
}

// EncodeJSONLine renders a Record as a single JSON-Lines row (no
// trailing newline; the caller appends one).
func EncodeJSONLine(r Record) ([]byte, error) {
	jr := jsonRecord{
		TS:  r.EventTsUS,
		CID: r.ContractID,
		TT:  string(r.TickType),
		RID: r.RequestID,
		BPL: r.BidPastLow,
		APH: r.AskPastHigh,
		UPT: r.Unreported,
	}

	switch {
	case r.HasPrice():
		jr.P, jr.S = decStr(r.Price), decStr(r.Size)
	case r.HasBidAsk():
		jr.BP, jr.BS = decStr(r.BidPrice), decStr(r.BidSize)
		jr.AP, jr.AS = decStr(r.AskPrice), decStr(r.AskSize)
	case r.HasMid():
		jr.MP = decStr(r.MidPrice)
	}

	return json.Marshal(jr)
}

// DecodeJSONLine parses a single JSON-Lines row back into a Record.
// Deserialization tolerates omitted optional fields, per spec §3.1.
func DecodeJSONLine(line []byte) (Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(line, &jr); err != nil {
		return Record{}, fmt.Errorf("decoding json-lines record: %w", err)
	}

	tt, err := NormalizeType(jr.TT)
	if err != nil {
		return Record{}, err
	}

	r := Record{
		EventTsUS:  jr.TS,
		ContractID: jr.CID,
		TickType:   tt,
		RequestID:  jr.RID,
		BidPastLow: jr.BPL, AskPastHigh: jr.APH, Unreported: jr.UPT,
	}

	parse := func(s *string) decimal.Decimal {
		if s == nil {
			return decimal.Decimal{}
		}
		d, err := decimal.NewFromString(*s)
		if err != nil {
			return decimal.Decimal{}
		}
		return d
	}

	r.Price, r.Size = parse(jr.P), parse(jr.S)
	r.BidPrice, r.BidSize = parse(jr.BP), parse(jr.BS)
	r.AskPrice, r.AskSize = parse(jr.AP), parse(jr.AS)
	r.MidPrice = parse(jr.MP)

	return r, nil
}
