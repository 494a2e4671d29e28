package ibgateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// Simulator is a deterministic synthetic tick generator implementing
// Client, used by tests and the S1-S7 scenarios in place of the real
// (out-of-scope) wire protocol.
type Simulator struct {
	mu sync.Mutex

	connected int32 // atomic bool

	onTick       TickCallback
	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)

	nextReqID int32

	subs map[int32]chan struct{} // requestID -> stop channel of that subscription

	// ZombieMode, when true, makes Connected() report true while never
	// delivering ticks — used to simulate spec §4.5's "zombie
	// connection" scenario S5.
	ZombieMode int32 // atomic bool
}

func NewSimulator() *Simulator {
	return &Simulator{subs: make(map[int32]chan struct{})}
}

func (s *Simulator) OnTick(cb TickCallback)             { s.onTick = cb }
func (s *Simulator) OnConnect(cb func())                { s.onConnect = cb }
func (s *Simulator) OnDisconnect(cb func(err error))     { s.onDisconnect = cb }
func (s *Simulator) OnError(cb func(err error))          { s.onError = cb }

func (s *Simulator) Connect(ctx context.Context, host string, port int, clientID int) error {
	atomic.StoreInt32(&s.connected, 1)
	if s.onConnect != nil {
		s.onConnect()
	}
	return nil
}

func (s *Simulator) Connected() bool { return atomic.LoadInt32(&s.connected) == 1 }

// Disconnect simulates a socket drop (used by supervisor tests to
// drive the escalation ladder, spec §4.5).
func (s *Simulator) Disconnect(err error) {
	atomic.StoreInt32(&s.connected, 0)
	if s.onDisconnect != nil {
		s.onDisconnect(err)
	}
}

func (s *Simulator) Subscribe(ctx context.Context, contractID int32, tickType tick.Type) (int32, error) {
	s.mu.Lock()
	s.nextReqID++
	reqID := s.nextReqID
	stop := make(chan struct{})
	s.subs[reqID] = stop
	s.mu.Unlock()
	return reqID, nil
}

func (s *Simulator) Unsubscribe(ctx context.Context, requestID int32) error {
	s.mu.Lock()
	if stop, ok := s.subs[requestID]; ok {
		close(stop)
		delete(s.subs, requestID)
	}
	s.mu.Unlock()
	return nil
}

// Feed delivers one synthetic tick immediately, bypassing the
// simulated passage of time — used by deterministic tests (S1-S7).
// No-ops while ZombieMode is set, simulating "connected but no data".
func (s *Simulator) Feed(contractID int32, tickTypeLabel string, sysTsUS int64, fields tick.UpstreamFields) {
	if atomic.LoadInt32(&s.ZombieMode) == 1 {
		return
	}
	if s.onTick != nil {
		s.onTick(contractID, tickTypeLabel, sysTsUS, fields)
	}
}

// FeedSequence delivers n ticks 1ms apart starting at startTsUS, for
// scenario S1's "100 synthetic ticks (event_ts_us) 1 ms apart".
func (s *Simulator) FeedSequence(contractID int32, tickTypeLabel string, startTsUS int64, n int, interTick time.Duration) {
	for i := 0; i < n; i++ {
		ts := startTsUS + int64(i)*1000
		s.Feed(contractID, tickTypeLabel, ts, tick.UpstreamFields{})
		if interTick > 0 {
			time.Sleep(interTick)
		}
	}
}
