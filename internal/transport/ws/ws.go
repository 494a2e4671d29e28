// Package ws implements the WebSocket half of C7 (spec §4.7.3): a
// single socket carrying many subscriptions, with subscribe/unsubscribe/
// ping client messages and connected/subscribed/tick/error/complete/pong
// server messages.
package ws

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/lakowske/ib-stream-sub000/internal/admission"
	"github.com/lakowske/ib-stream-sub000/internal/apierr"
	"github.com/lakowske/ib-stream-sub000/internal/buffer"
	"github.com/lakowske/ib-stream-sub000/internal/envelope"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/lakowske/ib-stream-sub000/internal/stream"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sinkCapacity = 1000 // spec §5 suspension-point watermark
)

// Deps wires in the components a live connection needs.
type Deps struct {
	Mux       *stream.Multiplexer
	Buf       *buffer.Engine // nil disables with-buffer history replay
	Admission *admission.Manager
	Logger    zerolog.Logger
}

// Handler serves the `/ws/stream` upgrade endpoint.
type Handler struct{ deps Deps }

func NewHandler(deps Deps) *Handler { return &Handler{deps: deps} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.deps.Admission != nil && !h.deps.Admission.CheckPerIP(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		if h.deps.Admission != nil {
			h.deps.Admission.ReleaseIP(ip)
		}
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("ws").Inc()
	metrics.ConnectionsActive.WithLabelValues("ws").Inc()

	c := newClient(conn, ip, h.deps)
	go c.writePump()
	go c.readPump()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// subscription tracks one active (contract_id, tick_type) view held by
// this connection.
type subscription struct {
	streamID string
	key      stream.Key
	handle   *stream.SubscriberHandle
	sink     *stream.ChanSink
}

type client struct {
	conn net.Conn
	ip   string
	deps Deps

	send chan []byte

	mu   sync.Mutex
	subs map[string]*subscription

	closeOnce sync.Once
}

func newClient(conn net.Conn, ip string, deps Deps) *client {
	return &client{
		conn: conn, ip: ip, deps: deps,
		send: make(chan []byte, sinkCapacity),
		subs: make(map[string]*subscription),
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, sub := range c.subs {
			sub.handle.Unsubscribe()
		}
		c.subs = nil
		c.mu.Unlock()

		c.conn.Close()
		if c.deps.Admission != nil {
			c.deps.Admission.ReleaseIP(c.ip)
		}
		metrics.ConnectionsActive.WithLabelValues("ws").Dec()
	})
}

func (c *client) sendEnvelope(typ envelope.Type, streamID string, data, metadata interface{}) {
	env, err := envelope.New(typ, streamID, data, metadata)
	if err != nil {
		return
	}
	b, err := env.Marshal()
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		// Control-plane send queue is full; the connection is beyond
		// saving (readPump/writePump will tear it down shortly).
	}
}

func (c *client) readPump() {
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	connectedMeta := map[string]interface{}{}
	if c.deps.Admission != nil {
		connectedMeta["per_connection_subscription_cap"] = c.deps.Admission.PerConnectionSubCap()
	}
	c.sendEnvelope(envelope.TypeInfo, "", envelope.InfoData{Status: "connected"}, connectedMeta)

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			c.handleMessage(msg)
		case ws.OpClose:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendEnvelope(envelope.TypeError, "", envelope.ErrorData{Code: "invalid_message", Message: err.Error()}, nil)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg.Data)
	case "unsubscribe":
		c.handleUnsubscribe(msg.Data)
	case "ping":
		c.sendEnvelope("pong", "", struct{}{}, nil)
	default:
		c.sendEnvelope(envelope.TypeError, "", envelope.ErrorData{Code: "unknown_message_type", Message: msg.Type}, nil)
	}
}

type subscribeRequest struct {
	ContractID int32    `json:"contract_id"`
	TickTypes  []string `json:"tick_types"`
	Limit      int      `json:"limit"`
	Timeout    int      `json:"timeout"` // seconds
	WithBuffer bool     `json:"with_buffer"`
	Window     string   `json:"buffer_window"` // e.g. "last_1h"; only consulted when WithBuffer is set
}

func (c *client) handleSubscribe(data json.RawMessage) {
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendEnvelope(envelope.TypeError, "", envelope.ErrorData{Code: "invalid_subscribe", Message: err.Error()}, nil)
		return
	}

	for _, label := range req.TickTypes {
		tt, err := tick.NormalizeType(label)
		if err != nil {
			c.sendEnvelope(envelope.TypeError, "", envelope.ErrorData{Code: apierr.UnknownTickType(label).Kind(), Message: err.Error()}, nil)
			continue
		}
		c.subscribeOne(req.ContractID, tt, req)
	}
}

func (c *client) subscribeOne(contractID int32, tt tick.Type, req subscribeRequest) {
	c.mu.Lock()
	if c.deps.Admission != nil {
		if len(c.subs) >= c.deps.Admission.PerConnectionSubCap() {
			c.mu.Unlock()
			c.sendEnvelope(envelope.TypeError, "", envelope.ErrorData{Code: apierr.KindRateLimitExceeded, Message: "per-connection subscription cap reached"}, nil)
			return
		}
	}
	c.mu.Unlock()

	streamID := envelope.NewStreamID(contractID, string(tt))
	key := stream.Key{ContractID: contractID, TickType: tt}

	sink := stream.NewChanSink(sinkCapacity, func(reason error) {
		c.onSinkClosed(streamID, reason)
	})

	sh, err := c.deps.Mux.Subscribe(contractID, tt, sink)
	if err != nil {
		c.sendEnvelope(envelope.TypeError, "", envelope.ErrorData{Code: apierr.KindUpstreamDisconnected, Message: err.Error()}, nil)
		return
	}

	sub := &subscription{streamID: streamID, key: key, handle: sh, sink: sink}
	c.mu.Lock()
	c.subs[streamID] = sub
	c.mu.Unlock()

	c.sendEnvelope("subscribed", streamID, map[string]interface{}{"contract_id": contractID, "tick_type": string(tt)}, nil)

	if req.WithBuffer && c.deps.Buf != nil {
		go c.runBufferThenLive(sub, req)
	} else {
		go c.pumpLive(sub, req.Limit, req.Timeout)
	}
}

// runBufferThenLive implements the buffer+live handoff of spec §4.7.4:
// historical records are drained from C3 first (tagged
// metadata.historical=true), then everything the sink queued while the
// historical read was in flight is flushed (tagged false), then live
// delivery continues.
func (c *client) runBufferThenLive(sub *subscription, req subscribeRequest) {
	window := req.Window
	if window == "" {
		window = "last_1h"
	}
	tr, err := buffer.ResolveRelativeWindow(window, time.Now())
	if err != nil {
		tr, err = buffer.ResolveNamedSession(window, time.Now())
	}
	if err != nil {
		c.sendEnvelope(envelope.TypeError, sub.streamID, envelope.ErrorData{Code: apierr.KindInvalidRange, Message: err.Error()}, nil)
		tr = buffer.TimeRange{IncludeOpenFile: true}
	}

	h, ok := c.deps.Mux.Get(sub.key)
	var tailSrc buffer.TailSource
	if ok {
		tailSrc = h
	}

	recs, err := c.deps.Buf.Query(sub.key.ContractID, sub.key.TickType, tr, buffer.Options{IncludeTail: true}, tailSrc)
	if err != nil {
		c.sendEnvelope(envelope.TypeError, sub.streamID, envelope.ErrorData{Code: apierr.KindInvalidRange, Message: err.Error()}, nil)
	}

	for _, r := range recs {
		c.sendEnvelope(envelope.TypeTick, sub.streamID, r.ToWirePayload(), envelope.TickMetadata{Historical: true})
		metrics.TicksDeliveredTotal.WithLabelValues("ws").Inc()
	}
	c.sendEnvelope(envelope.TypeInfo, sub.streamID, envelope.InfoData{Status: "buffer_complete"}, nil)

	c.pumpLive(sub, req.Limit, req.Timeout)
}

// pumpLive drains the ChanSink until the subscription is torn down or
// limit/timeout is reached (spec §4.7.2/§4.7.3 bound semantics, shared
// by both transports' live phase); a reached bound closes the
// subscription with a complete message.
func (c *client) pumpLive(sub *subscription, limit, timeoutSec int) {
	var deadline <-chan time.Time
	if timeoutSec > 0 {
		timer := time.NewTimer(time.Duration(timeoutSec) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}
	delivered := 0
	for {
		select {
		case <-deadline:
			c.closeSubscription(sub.streamID, "timeout reached")
			return
		case r := <-sub.sink.Chan():
			c.sendEnvelope(envelope.TypeTick, sub.streamID, r.ToWirePayload(), envelope.TickMetadata{Historical: false})
			metrics.TicksDeliveredTotal.WithLabelValues("ws").Inc()
			delivered++
			if limit > 0 && delivered >= limit {
				c.closeSubscription(sub.streamID, "limit reached")
				return
			}
		}
	}
}

func (c *client) onSinkClosed(streamID string, reason error) {
	if reason == nil {
		return
	}
	if kind, ok := reason.(apierr.Kind); ok {
		if kind.Kind() == apierr.KindSlowConsumer {
			metrics.SlowConsumersTotal.WithLabelValues("ws").Inc()
		}
		c.sendEnvelope(envelope.TypeError, streamID, envelope.ErrorData{Code: kind.Kind(), Message: kind.Error()}, nil)
	}
	c.mu.Lock()
	delete(c.subs, streamID)
	c.mu.Unlock()
}

func (c *client) closeSubscription(streamID, reason string) {
	c.mu.Lock()
	sub, ok := c.subs[streamID]
	delete(c.subs, streamID)
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.handle.Unsubscribe()
	c.sendEnvelope(envelope.TypeComplete, streamID, envelope.CompleteData{Reason: reason}, nil)
}

func (c *client) handleUnsubscribe(data json.RawMessage) {
	var req struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	c.closeSubscription(req.StreamID, "unsubscribed")
}
