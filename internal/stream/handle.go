package stream

import (
	"sync/atomic"

	"github.com/lakowske/ib-stream-sub000/internal/apierr"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

// State is a stream handle's position in the state machine of spec
// §4.4.
type State string

const (
	StateStarting       State = "starting"
	StateActive         State = "active"
	StateStopping       State = "stopping"
	StatePendingRestart  State = "pending-restart"
)

// Key identifies a stream by (contract_id, tick_type), spec §3.3.
type Key struct {
	ContractID int32
	TickType   tick.Type
}

type subEntry struct {
	sink        Sink
	consecutiveDrops int
}

// commands sent to a Handle's single owning goroutine. This realizes
// spec §5's "subscribers set per stream handle: mutated only under a
// per-stream lock" via exclusive goroutine ownership instead of an
// explicit mutex — only this goroutine ever touches h.subs, following
// the single-actor-per-shard pattern this codebase uses elsewhere for
// lock-free mutable state.
type addSubCmd struct {
	sink  Sink
	reply chan *subEntry
}

type removeSubCmd struct {
	entry *subEntry
}

// Handle is one active multiplex slot (spec §3.3).
type Handle struct {
	Key          Key
	RequestID    int32
	IsBackground bool

	tail *tailRing

	lastEventTsUS int64 // atomic

	persist func(tick.Record) // forwards to C2 storage writers

	addSubCh    chan addSubCmd
	removeSubCh chan removeSubCmd
	tickCh      chan tick.Record
	sessionLossCh chan struct{}
	restoredCh  chan struct{}
	teardownCh  chan chan struct{}

	emptyCh chan struct{} // signaled when subs drop to zero and not background

	state atomic.Value // State

	logger zerolog.Logger
}

// NewHandle constructs a Handle and starts its owning goroutine.
// persist is called for every delivered record from the handle's own
// goroutine, so storage writes for one stream never block another.
func NewHandle(key Key, requestID int32, isBackground bool, tailSize int, persist func(tick.Record), logger zerolog.Logger) *Handle {
	h := &Handle{
		Key: key, RequestID: requestID, IsBackground: isBackground,
		tail:    newTailRing(tailSize),
		persist: persist,
		addSubCh:      make(chan addSubCmd),
		removeSubCh:   make(chan removeSubCmd),
		tickCh:        make(chan tick.Record, 256),
		sessionLossCh: make(chan struct{}, 1),
		restoredCh:    make(chan struct{}, 1),
		teardownCh:    make(chan chan struct{}),
		emptyCh:       make(chan struct{}, 1),
		logger:        logger.With().Str("component", "stream_handle").Int32("contract_id", key.ContractID).Str("tick_type", string(key.TickType)).Logger(),
	}
	h.state.Store(StateStarting)
	go h.run()
	return h
}

func (h *Handle) State() State { return h.state.Load().(State) }

func (h *Handle) LastEventTsUS() int64 { return atomic.LoadInt64(&h.lastEventTsUS) }

// AddSubscriber attaches sink and returns a token used to remove it
// later. Safe to call from any goroutine.
func (h *Handle) AddSubscriber(sink Sink) *subEntry {
	reply := make(chan *subEntry, 1)
	h.addSubCh <- addSubCmd{sink: sink, reply: reply}
	return <-reply
}

// RemoveSubscriber detaches a previously-added sink.
func (h *Handle) RemoveSubscriber(e *subEntry) {
	h.removeSubCh <- removeSubCmd{entry: e}
}

// Deliver feeds one upstream tick into the handle for fan-out.
func (h *Handle) Deliver(r tick.Record) {
	h.tickCh <- r
}

// SessionLost notifies the handle of an upstream session loss (§4.4:
// any state -> pending-restart).
func (h *Handle) SessionLost() {
	select {
	case h.sessionLossCh <- struct{}{}:
	default:
	}
}

// Restored notifies the handle that the upstream subscription has
// been re-established after a reconnect (§4.5 reconnection).
func (h *Handle) Restored() {
	select {
	case h.restoredCh <- struct{}{}:
	default:
	}
}

// EmptyNotifications signals each time the subscriber count drops to
// zero while the handle is not a background stream (used by the
// Multiplexer to decide when to tear the handle down, §4.4 `stopping`).
func (h *Handle) EmptyNotifications() <-chan struct{} { return h.emptyCh }

// Teardown stops the handle's goroutine and waits for it to exit.
func (h *Handle) Teardown() {
	done := make(chan struct{})
	h.teardownCh <- done
	<-done
}

// TailSince returns buffered tail-ring records newer than afterUS
// (C3 step 4).
func (h *Handle) TailSince(afterUS int64) []tick.Record {
	return h.tail.since(afterUS)
}

func (h *Handle) run() {
	subs := make(map[*subEntry]struct{})
	h.state.Store(StateActive)

	for {
		select {
		case cmd := <-h.addSubCh:
			e := &subEntry{sink: cmd.sink}
			subs[e] = struct{}{}
			if h.State() == StateStopping {
				h.state.Store(StateActive)
			}
			cmd.reply <- e

		case cmd := <-h.removeSubCh:
			delete(subs, cmd.entry)
			if len(subs) == 0 && !h.IsBackground && h.State() == StateActive {
				h.state.Store(StateStopping)
				select {
				case h.emptyCh <- struct{}{}:
				default:
				}
			}

		case r := <-h.tickCh:
			h.tail.add(r)
			atomic.StoreInt64(&h.lastEventTsUS, r.EventTsUS)
			if h.persist != nil {
				h.persist(r) // storage completeness invariant: always written
			}

			if h.State() != StateActive {
				continue // starting/stopping/pending-restart: buffer only, no fan-out
			}

			for e := range subs {
				switch e.sink.TryOffer(r) {
				case Accepted:
					e.consecutiveDrops = 0
				case Dropped:
					metrics.TicksDroppedTotal.WithLabelValues("queue_full").Inc()
					e.consecutiveDrops++
					if e.consecutiveDrops >= 2 {
						delete(subs, e)
						e.sink.Close(apierr.SlowConsumer())
						if len(subs) == 0 && !h.IsBackground {
							h.state.Store(StateStopping)
							select {
							case h.emptyCh <- struct{}{}:
							default:
							}
						}
					}
				}
			}

		case <-h.sessionLossCh:
			h.state.Store(StatePendingRestart)

		case <-h.restoredCh:
			if h.State() == StatePendingRestart {
				h.state.Store(StateActive)
			}

		case done := <-h.teardownCh:
			for e := range subs {
				e.sink.Close(nil)
			}
			close(done)
			return
		}
	}
}
