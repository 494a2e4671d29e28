package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

type fakeUpstream struct {
	mu  sync.Mutex
	next int32
}

func (u *fakeUpstream) Subscribe(contractID int32, tt tick.Type) (int32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.next++
	return u.next, nil
}

func (u *fakeUpstream) Unsubscribe(int32) error { return nil }

// recordingSink collects every delivered record; used to assert
// fan-out completeness (invariant 1, spec §8.1) and ordering
// (invariant 4).
type recordingSink struct {
	mu      sync.Mutex
	got     []tick.Record
	closed  bool
	closeErr error
}

func (s *recordingSink) TryOffer(r tick.Record) Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, r)
	return Accepted
}

func (s *recordingSink) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed, s.closeErr = true, err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// alwaysDropSink always reports Dropped, simulating a consumer that
// never drains (spec §8.1 invariant 7, scenario S3).
type alwaysDropSink struct {
	mu     sync.Mutex
	closed bool
}

func (s *alwaysDropSink) TryOffer(tick.Record) Offer { return Dropped }
func (s *alwaysDropSink) Close(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func mkTick(cid int32, tt tick.Type, eventTsUS int64) tick.Record {
	return tick.Record{EventTsUS: eventTsUS, SysTsUS: eventTsUS, ContractID: cid, TickType: tt}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	mux := NewMultiplexer(&fakeUpstream{}, nil, 128, zerolog.Nop())

	a, b, c := &recordingSink{}, &recordingSink{}, &recordingSink{}
	hs := []*SubscriberHandle{}
	for _, s := range []*recordingSink{a, b, c} {
		h, err := mux.Subscribe(711280073, tick.BidAsk, s)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		hs = append(hs, h)
	}

	for i := int64(0); i < 10; i++ {
		mux.Deliver(Key{711280073, tick.BidAsk}, mkTick(711280073, tick.BidAsk, i))
	}

	deadline := time.Now().Add(time.Second)
	for (a.len() < 10 || b.len() < 10 || c.len() < 10) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if a.len() != 10 || b.len() != 10 || c.len() != 10 {
		t.Fatalf("expected all 3 subscribers to receive 10 ticks, got %d %d %d", a.len(), b.len(), c.len())
	}

	for _, h := range hs {
		h.Unsubscribe()
	}
}

func TestSlowConsumerIsolatedFromOthers(t *testing.T) {
	mux := NewMultiplexer(&fakeUpstream{}, nil, 128, zerolog.Nop())

	slow := &alwaysDropSink{}
	good := &recordingSink{}

	hSlow, _ := mux.Subscribe(1, tick.Last, slow)
	hGood, _ := mux.Subscribe(1, tick.Last, good)

	for i := int64(0); i < 50; i++ {
		mux.Deliver(Key{1, tick.Last}, mkTick(1, tick.Last, i))
	}

	deadline := time.Now().Add(time.Second)
	for good.len() < 50 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if good.len() != 50 {
		t.Fatalf("expected unaffected subscriber to see all 50 ticks, got %d", good.len())
	}

	slow.mu.Lock()
	closed := slow.closed
	slow.mu.Unlock()
	if !closed {
		t.Fatal("expected slow consumer to be closed after two consecutive drops")
	}

	hSlow.Unsubscribe()
	hGood.Unsubscribe()
}

func TestBackgroundStreamSurvivesZeroSubscribers(t *testing.T) {
	mux := NewMultiplexer(&fakeUpstream{}, nil, 128, zerolog.Nop())

	h, err := mux.SubscribeBackground(99, tick.Last)
	if err != nil {
		t.Fatalf("subscribe background: %v", err)
	}

	mux.Deliver(Key{99, tick.Last}, mkTick(99, tick.Last, 1000))
	time.Sleep(10 * time.Millisecond)

	if _, ok := mux.Get(Key{99, tick.Last}); !ok {
		t.Fatal("expected background handle to remain registered with zero subscribers")
	}
	if h.LastEventTsUS() != 1000 {
		t.Fatalf("expected last event ts to be recorded, got %d", h.LastEventTsUS())
	}
}
