package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	gobwasws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/lakowske/ib-stream-sub000/internal/stream"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

type fakeUpstream struct{ next int32 }

func (f *fakeUpstream) Subscribe(contractID int32, tt tick.Type) (int32, error) {
	f.next++
	return f.next, nil
}
func (f *fakeUpstream) Unsubscribe(requestID int32) error { return nil }

// pipeHarness wires a client against one end of an in-memory net.Pipe,
// driving readPump/writePump exactly as ServeHTTP would, letting the
// test act as the remote peer on the other end.
func pipeHarness(t *testing.T, mux *stream.Multiplexer) (*client, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	c := newClient(server, "127.0.0.1", Deps{Mux: mux, Logger: zerolog.Nop()})
	go c.writePump()
	go c.readPump()
	t.Cleanup(func() { peer.Close() })
	return c, peer
}

func readEnvelope(t *testing.T, peer net.Conn) map[string]interface{} {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, _, err := wsutil.ReadServerData(peer)
	if err != nil {
		t.Fatalf("reading server message: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshaling server message: %v", err)
	}
	return m
}

func writeClientMessage(t *testing.T, peer net.Conn, typ string, data interface{}) {
	t.Helper()
	d, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling client message data: %v", err)
	}
	msg := clientMessage{Type: typ, Data: d}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshaling client message: %v", err)
	}
	if err := wsutil.WriteClientMessage(peer, gobwasws.OpText, b); err != nil {
		t.Fatalf("writing client message: %v", err)
	}
}

func TestSubscribeReceivesConnectedThenSubscribedThenTick(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	_, peer := pipeHarness(t, mux)

	connected := readEnvelope(t, peer)
	if connected["type"] != "info" {
		t.Fatalf("expected first message type info, got %v", connected["type"])
	}

	writeClientMessage(t, peer, "subscribe", subscribeRequest{ContractID: 1, TickTypes: []string{"last"}})

	subscribed := readEnvelope(t, peer)
	if subscribed["type"] != "subscribed" {
		t.Fatalf("expected subscribed message, got %v", subscribed["type"])
	}
	streamID, _ := subscribed["stream_id"].(string)
	if streamID == "" {
		t.Fatalf("expected a non-empty stream_id")
	}

	h, ok := mux.Get(stream.Key{ContractID: 1, TickType: tick.Last})
	if !ok {
		t.Fatalf("expected a handle to exist for contract 1 / last after subscribe")
	}
	h.Deliver(tick.Record{EventTsUS: time.Now().UnixMicro(), ContractID: 1, TickType: tick.Last})

	tickMsg := readEnvelope(t, peer)
	if tickMsg["type"] != "tick" {
		t.Fatalf("expected tick message, got %v", tickMsg["type"])
	}
	if tickMsg["stream_id"] != streamID {
		t.Fatalf("tick stream_id %v does not match subscribed stream_id %v", tickMsg["stream_id"], streamID)
	}
	meta, _ := tickMsg["metadata"].(map[string]interface{})
	if meta == nil || meta["historical"] != false {
		t.Fatalf("expected live tick metadata.historical=false, got %v", tickMsg["metadata"])
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	_, peer := pipeHarness(t, mux)

	readEnvelope(t, peer) // connected

	writeClientMessage(t, peer, "subscribe", subscribeRequest{ContractID: 7, TickTypes: []string{"last"}})
	subscribed := readEnvelope(t, peer)
	streamID := subscribed["stream_id"].(string)

	writeClientMessage(t, peer, "unsubscribe", map[string]string{"stream_id": streamID})

	complete := readEnvelope(t, peer)
	if complete["type"] != "complete" {
		t.Fatalf("expected complete message after unsubscribe, got %v", complete["type"])
	}

	if _, ok := mux.Get(stream.Key{ContractID: 7, TickType: tick.Last}); ok {
		// Handle teardown races the watchEmpty goroutine; give it a
		// moment before declaring failure.
		time.Sleep(20 * time.Millisecond)
		if _, ok := mux.Get(stream.Key{ContractID: 7, TickType: tick.Last}); ok {
			t.Fatalf("expected handle to be torn down after the only subscriber unsubscribed")
		}
	}
}

func TestUnknownTickTypeReturnsError(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	_, peer := pipeHarness(t, mux)

	readEnvelope(t, peer) // connected

	writeClientMessage(t, peer, "subscribe", subscribeRequest{ContractID: 1, TickTypes: []string{"bogus"}})

	errMsg := readEnvelope(t, peer)
	if errMsg["type"] != "error" {
		t.Fatalf("expected error message for unknown tick type, got %v", errMsg["type"])
	}
}

func TestPingReceivesPong(t *testing.T) {
	mux := stream.NewMultiplexer(&fakeUpstream{}, nil, 16, zerolog.Nop())
	_, peer := pipeHarness(t, mux)

	readEnvelope(t, peer) // connected

	writeClientMessage(t, peer, "ping", struct{}{})

	pong := readEnvelope(t, peer)
	if pong["type"] != "pong" {
		t.Fatalf("expected pong reply, got %v", pong["type"])
	}
}
