package stream

import (
	"sync"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

// Upstream is the subset of internal/ibgateway's client the
// multiplexer needs: open/close one upstream subscription per key
// (spec §4.4 "Upstream deduplication").
type Upstream interface {
	Subscribe(contractID int32, tickType tick.Type) (requestID int32, err error)
	Unsubscribe(requestID int32) error
}

// Persist is called once per delivered record for every enabled
// storage format (spec §4.2, invariant 2 "storage completeness").
type Persist func(key Key, r tick.Record)

// Multiplexer is C4: holds at most one upstream subscription per
// (contract_id, tick_type) and fans ticks out to N subscribers.
type Multiplexer struct {
	mu       sync.Mutex
	handles  map[Key]*Handle
	upstream Upstream
	persist  Persist
	tailSize int
	logger   zerolog.Logger
}

func NewMultiplexer(upstream Upstream, persist Persist, tailSize int, logger zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		handles:  make(map[Key]*Handle),
		upstream: upstream,
		persist:  persist,
		tailSize: tailSize,
		logger:   logger.With().Str("component", "multiplexer").Logger(),
	}
}

// SubscriberHandle is returned from Subscribe; Unsubscribe it to
// detach.
type SubscriberHandle struct {
	key   Key
	entry *subEntry
	mux   *Multiplexer
}

// Subscribe attaches sink to the stream for (contractID, tickType),
// opening a fresh upstream subscription only if no handle exists yet
// for the key (spec §4.4 contract).
func (m *Multiplexer) Subscribe(contractID int32, tt tick.Type, sink Sink) (*SubscriberHandle, error) {
	key := Key{contractID, tt}

	m.mu.Lock()
	h, ok := m.handles[key]
	if !ok {
		requestID, err := m.upstream.Subscribe(contractID, tt)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		h = NewHandle(key, requestID, false, m.tailSize, func(r tick.Record) {
			if m.persist != nil {
				m.persist(key, r)
			}
		}, m.logger)
		m.handles[key] = h
		go m.watchEmpty(key, h)
	}
	m.mu.Unlock()

	entry := h.AddSubscriber(sink)
	return &SubscriberHandle{key: key, entry: entry, mux: m}, nil
}

// SubscribeBackground is C6's entry point: marks the resulting handle
// is_background=true so it survives zero-subscriber periods (spec
// §4.6).
func (m *Multiplexer) SubscribeBackground(contractID int32, tt tick.Type) (*Handle, error) {
	key := Key{contractID, tt}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[key]; ok {
		return h, nil
	}

	requestID, err := m.upstream.Subscribe(contractID, tt)
	if err != nil {
		return nil, err
	}
	h := NewHandle(key, requestID, true, m.tailSize, func(r tick.Record) {
		if m.persist != nil {
			m.persist(key, r)
		}
	}, m.logger)
	m.handles[key] = h
	return h, nil
}

// Unsubscribe detaches a subscriber; the handle is torn down only
// when its subscriber count reaches zero and it is not a background
// stream (watchEmpty, below).
func (sh *SubscriberHandle) Unsubscribe() {
	sh.mux.unsubscribe(sh)
}

func (m *Multiplexer) unsubscribe(sh *SubscriberHandle) {
	m.mu.Lock()
	h, ok := m.handles[sh.key]
	m.mu.Unlock()
	if !ok {
		return
	}
	h.RemoveSubscriber(sh.entry)
}

// watchEmpty tears down a non-background handle's upstream
// subscription once its subscriber count reaches zero.
func (m *Multiplexer) watchEmpty(key Key, h *Handle) {
	<-h.EmptyNotifications()

	m.mu.Lock()
	delete(m.handles, key)
	m.mu.Unlock()

	h.Teardown()
	if err := m.upstream.Unsubscribe(h.RequestID); err != nil {
		m.logger.Warn().Err(err).Int32("contract_id", key.ContractID).Msg("upstream unsubscribe failed during teardown")
	}
}

// Deliver routes one upstream tick to the matching handle, if any.
// Called from C1's encode path (via C5's upstream callback wiring).
func (m *Multiplexer) Deliver(key Key, r tick.Record) {
	m.mu.Lock()
	h, ok := m.handles[key]
	m.mu.Unlock()
	if ok {
		h.Deliver(r)
	}
}

// Handles returns a snapshot of every active handle, used by C5's
// reconnection logic and health reporting.
func (m *Multiplexer) Handles() map[Key]*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]*Handle, len(m.handles))
	for k, v := range m.handles {
		out[k] = v
	}
	return out
}

// Get returns the handle for a key, if one exists.
func (m *Multiplexer) Get(key Key) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	return h, ok
}
