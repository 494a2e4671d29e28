// Package sse implements the SSE half of C7 (spec §4.7.2): one HTTP
// response per subscriber, fixed at request time, bounded by an
// optional tick limit and/or wall-clock timeout.
package sse

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/admission"
	"github.com/lakowske/ib-stream-sub000/internal/apierr"
	"github.com/lakowske/ib-stream-sub000/internal/buffer"
	"github.com/lakowske/ib-stream-sub000/internal/envelope"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/lakowske/ib-stream-sub000/internal/stream"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

const sinkCapacity = 1000 // matches the WS adapter's suspension-point watermark, spec §5

// Deps wires in the components a subscriber request needs.
type Deps struct {
	Mux       *stream.Multiplexer
	Buf       *buffer.Engine // nil disables the with-buffer variant
	Admission *admission.Manager
	Logger    zerolog.Logger
}

// Handler serves every `/stream/...` route (spec §6 routes table).
type Handler struct{ deps Deps }

func NewHandler(deps Deps) *Handler { return &Handler{deps: deps} }

// ServeHTTP dispatches on path shape, since the teacher's stack routes
// with a bare http.ServeMux rather than a path-parameter router:
//
//	/stream/{contract_id}
//	/stream/{contract_id}/{tick_type}
//	/stream/{contract_id}/with-buffer
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "stream" {
		http.NotFound(w, r)
		return
	}

	contractID, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		writeJSONError(w, apierr.InvalidContract(0))
		return
	}

	withBuffer := false
	var tickTypeLabel string
	if len(parts) >= 3 {
		if parts[2] == "with-buffer" {
			withBuffer = true
		} else {
			tickTypeLabel = parts[2]
		}
	}

	tickTypes, err := resolveTickTypes(r, tickTypeLabel)
	if err != nil {
		writeJSONError(w, err.(apierr.Kind))
		return
	}

	h.serve(w, r, int32(contractID), tickTypes, withBuffer)
}

func resolveTickTypes(r *http.Request, pathLabel string) ([]tick.Type, error) {
	var labels []string
	if pathLabel != "" {
		labels = []string{pathLabel}
	} else if q := r.URL.Query().Get("tick_types"); q != "" {
		labels = strings.Split(q, ",")
	} else {
		labels = []string{string(tick.Last)}
	}

	out := make([]tick.Type, 0, len(labels))
	for _, l := range labels {
		tt, err := tick.NormalizeType(strings.TrimSpace(l))
		if err != nil {
			return nil, apierr.UnknownTickType(l)
		}
		out = append(out, tt)
	}
	return out, nil
}

func writeJSONError(w http.ResponseWriter, kind apierr.Kind) {
	status := http.StatusBadRequest
	switch kind.Kind() {
	case apierr.KindUpstreamDisconnected:
		status = http.StatusServiceUnavailable
	case apierr.KindRateLimitExceeded:
		status = http.StatusTooManyRequests
	}
	http.Error(w, fmt.Sprintf(`{"code":%q,"message":%q}`, kind.Kind(), kind.Error()), status)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, contractID int32, tickTypes []tick.Type, withBuffer bool) {
	ip := clientIP(r)
	if h.deps.Admission != nil && !h.deps.Admission.CheckPerIP(ip) {
		writeJSONError(w, apierr.RateLimitExceeded())
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("sse").Inc()
	metrics.ConnectionsActive.WithLabelValues("sse").Inc()
	defer func() {
		if h.deps.Admission != nil {
			h.deps.Admission.ReleaseIP(ip)
		}
		metrics.ConnectionsActive.WithLabelValues("sse").Dec()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	limit := queryInt(r, "limit", 0)
	timeout := queryInt(r, "timeout", 0)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(time.Duration(timeout) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	subs := make([]*subscription, 0, len(tickTypes))
	defer func() {
		for _, s := range subs {
			s.handle.Unsubscribe()
		}
	}()

	merged := make(chan taggedRecord, sinkCapacity*len(tickTypes))

	for _, tt := range tickTypes {
		streamID := envelope.NewStreamID(contractID, string(tt))
		key := stream.Key{ContractID: contractID, TickType: tt}

		sink := stream.NewChanSink(sinkCapacity, func(reason error) {
			if kind, ok := reason.(apierr.Kind); ok && kind.Kind() == apierr.KindSlowConsumer {
				metrics.SlowConsumersTotal.WithLabelValues("sse").Inc()
			}
		})
		sh, err := h.deps.Mux.Subscribe(contractID, tt, sink)
		if err != nil {
			writeSSEEnvelope(w, flusher, envelope.TypeError, streamID, envelope.ErrorData{Code: apierr.KindUpstreamDisconnected, Message: err.Error()}, nil)
			continue
		}
		subs = append(subs, &subscription{streamID: streamID, key: key, handle: sh, sink: sink})
		writeSSEEnvelope(w, flusher, "subscribed", streamID, map[string]interface{}{"contract_id": contractID, "tick_type": string(tt)}, nil)

		go pumpInto(merged, streamID, sink)
	}

	if withBuffer && h.deps.Buf != nil {
		h.replayBuffer(w, flusher, subs, r)
	}

	h.liveLoop(w, r, flusher, merged, deadline, limit)
}

type subscription struct {
	streamID string
	key      stream.Key
	handle   *stream.SubscriberHandle
	sink     *stream.ChanSink
}

// taggedRecord pairs a delivered record with the subscriber-facing
// stream_id of the subscription it arrived on, since tick.Record
// itself carries no stream_id (that is a subscriber-side concept,
// spec §4.7.1) and one response can multiplex several subscriptions
// (the multi tick_types form).
type taggedRecord struct {
	streamID string
	rec      tick.Record
}

func pumpInto(merged chan<- taggedRecord, streamID string, sink *stream.ChanSink) {
	for r := range sink.Chan() {
		merged <- taggedRecord{streamID: streamID, rec: r}
	}
}

// replayBuffer implements the historical half of the buffer+live
// handoff (spec §4.7.4) for the with-buffer variant: query C3 for each
// subscribed key's window, emit tagged historical ticks, then signal
// buffer_complete before the live loop below takes over draining
// whatever the sinks queued in the meantime.
func (h *Handler) replayBuffer(w http.ResponseWriter, flusher http.Flusher, subs []*subscription, r *http.Request) {
	window := r.URL.Query().Get("buffer_window")
	if window == "" {
		window = "last_1h"
	}
	now := time.Now()
	tr, err := buffer.ResolveRelativeWindow(window, now)
	if err != nil {
		tr, err = buffer.ResolveNamedSession(window, now)
	}
	if err != nil {
		tr = buffer.TimeRange{IncludeOpenFile: true}
	}

	for _, sub := range subs {
		var tailSrc buffer.TailSource
		if hd, ok := h.deps.Mux.Get(sub.key); ok {
			tailSrc = hd
		}
		recs, err := h.deps.Buf.Query(sub.key.ContractID, sub.key.TickType, tr, buffer.Options{IncludeTail: true}, tailSrc)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			writeSSEEnvelope(w, flusher, envelope.TypeTick, sub.streamID, rec.ToWirePayload(), envelope.TickMetadata{Historical: true})
			metrics.TicksDeliveredTotal.WithLabelValues("sse").Inc()
		}
		writeSSEEnvelope(w, flusher, envelope.TypeInfo, sub.streamID, envelope.InfoData{Status: "buffer_complete"}, nil)
	}
}

func (h *Handler) liveLoop(w http.ResponseWriter, r *http.Request, flusher http.Flusher, merged <-chan taggedRecord, deadline <-chan time.Time, limit int) {
	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			writeSSEEnvelope(w, flusher, envelope.TypeComplete, "", envelope.CompleteData{Reason: "timeout reached"}, nil)
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case t, ok := <-merged:
			if !ok {
				writeSSEEnvelope(w, flusher, envelope.TypeComplete, "", envelope.CompleteData{Reason: "upstream closed"}, nil)
				return
			}
			writeSSEEnvelope(w, flusher, envelope.TypeTick, t.streamID, t.rec.ToWirePayload(), envelope.TickMetadata{Historical: false})
			metrics.TicksDeliveredTotal.WithLabelValues("sse").Inc()
			delivered++
			if limit > 0 && delivered >= limit {
				writeSSEEnvelope(w, flusher, envelope.TypeComplete, "", envelope.CompleteData{Reason: "limit reached"}, nil)
				return
			}
		}
	}
}

func writeSSEEnvelope(w http.ResponseWriter, flusher http.Flusher, typ envelope.Type, streamID string, data, metadata interface{}) {
	env, err := envelope.New(typ, streamID, data, metadata)
	if err != nil {
		return
	}
	b, err := env.Marshal()
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
