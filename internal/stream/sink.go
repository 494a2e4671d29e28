// Package stream implements C4, the stream multiplexer: it holds at
// most one upstream subscription per (contract_id, tick_type), fans
// ticks out to N subscribers, and applies a backpressure policy per
// subscriber (spec §3.3, §4.4).
package stream

import "github.com/lakowske/ib-stream-sub000/internal/tick"

// Offer is the result of a non-blocking delivery attempt to a Sink
// (spec §4.4: "a sink is any object exposing a non-blocking
// try_offer(CanonicalTick) -> {accepted, dropped, slow} operation").
type Offer int

const (
	Accepted Offer = iota
	Dropped
	Slow
)

// Sink is implemented by anything attached to a stream handle as a
// subscriber: storage-only background sinks (C6), and the
// transport-adapter sinks in internal/transport/{sse,ws}.
type Sink interface {
	// TryOffer attempts non-blocking delivery. It MUST NOT block.
	TryOffer(r tick.Record) Offer
	// Close terminates the sink with a terminal reason (e.g. slow
	// consumer, session loss). Called at most once.
	Close(reason error)
}

// ChanSink is a generic bounded-queue Sink backing the WS/SSE
// adapters: offers enqueue non-blockingly and are read by the
// transport's write pump.
type ChanSink struct {
	ch        chan tick.Record
	closeOnce func(reason error)
	closed    bool
}

// NewChanSink creates a sink with the given outbound queue capacity
// (spec §5: "bounded to an implementation-defined watermark, e.g.
// 1000 messages").
func NewChanSink(capacity int, onClose func(reason error)) *ChanSink {
	return &ChanSink{ch: make(chan tick.Record, capacity), closeOnce: onClose}
}

func (s *ChanSink) Chan() <-chan tick.Record { return s.ch }

func (s *ChanSink) TryOffer(r tick.Record) Offer {
	select {
	case s.ch <- r:
		return Accepted
	default:
		return Dropped
	}
}

func (s *ChanSink) Close(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	if s.closeOnce != nil {
		s.closeOnce(reason)
	}
}

// StorageSink is the no-op-forwarding sink C6 attaches to background
// streams: "the sink forwards nothing — storage and the tail ring
// capture the data independently" (spec §4.6).
type StorageSink struct{}

func (StorageSink) TryOffer(tick.Record) Offer { return Accepted }
func (StorageSink) Close(error)                {}
