package tick

import "github.com/shopspring/decimal"

// WirePayload is the `data` payload of a `tick` envelope (spec
// §4.7.1): full field names, unlike the short mnemonic keys C2's
// on-disk codec uses, since the wire format optimizes for client
// readability rather than disk volume.
type WirePayload struct {
	EventTsUS  int64  `json:"event_ts_us"`
	SysTsUS    int64  `json:"sys_ts_us"`
	ContractID int32  `json:"contract_id"`
	TickType   string `json:"tick_type"`
	RequestID  int32  `json:"request_id"`

	Price *string `json:"price,omitempty"`
	Size  *string `json:"size,omitempty"`

	BidPrice *string `json:"bid_price,omitempty"`
	BidSize  *string `json:"bid_size,omitempty"`
	AskPrice *string `json:"ask_price,omitempty"`
	AskSize  *string `json:"ask_size,omitempty"`

	MidPrice *string `json:"mid_price,omitempty"`

	BidPastLow  bool `json:"bid_past_low,omitempty"`
	AskPastHigh bool `json:"ask_past_high,omitempty"`
	Unreported  bool `json:"unreported,omitempty"`
}

// ToWirePayload converts a Record to its wire representation.
func (r Record) ToWirePayload() WirePayload {
	wp := WirePayload{
		EventTsUS: r.EventTsUS, SysTsUS: r.SysTsUS, ContractID: r.ContractID,
		TickType: string(r.TickType), RequestID: r.RequestID,
		BidPastLow: r.BidPastLow, AskPastHigh: r.AskPastHigh, Unreported: r.Unreported,
	}
	switch {
	case r.HasPrice():
		wp.Price, wp.Size = wireDecStr(r.Price), wireDecStr(r.Size)
	case r.HasBidAsk():
		wp.BidPrice, wp.BidSize = wireDecStr(r.BidPrice), wireDecStr(r.BidSize)
		wp.AskPrice, wp.AskSize = wireDecStr(r.AskPrice), wireDecStr(r.AskSize)
	case r.HasMid():
		wp.MidPrice = wireDecStr(r.MidPrice)
	}
	return wp
}

func wireDecStr(d decimal.Decimal) *string {
	if d.IsZero() {
		return nil
	}
	s := d.String()
	return &s
}
