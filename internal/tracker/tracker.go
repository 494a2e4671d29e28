// Package tracker implements C6: at startup, opens a background,
// always-on multiplex handle for each contract/tick-type pair named in
// the tracked_contracts configuration (spec §4.6), and reports overall
// data-flow health to C5's supervisor.
package tracker

import (
	"fmt"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/config"
	"github.com/lakowske/ib-stream-sub000/internal/stream"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/rs/zerolog"
)

// Entry pairs a tracked contract/tick-type with the handle the
// multiplexer opened for it.
type Entry struct {
	ContractID int32
	SymbolLabel string
	TickType   tick.Type
	BufferHours int
	Handle     *stream.Handle
}

// Tracker owns the set of always-on background streams.
type Tracker struct {
	mux     *stream.Multiplexer
	logger  zerolog.Logger
	entries []Entry

	staleAfter time.Duration
}

// New constructs a Tracker. staleAfter is the data-staleness threshold
// used by DataFlowing (spec §6.2 "data_staleness_threshold").
func New(mux *stream.Multiplexer, staleAfter time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{mux: mux, staleAfter: staleAfter, logger: logger.With().Str("component", "tracker").Logger()}
}

// Start opens a background multiplex handle for every entry in
// contracts. A contract whose tick type label is unknown, or whose
// upstream subscribe call fails, is logged and skipped rather than
// aborting the whole startup (spec §4.6: "a single misconfigured
// contract must not prevent the rest from tracking").
func (t *Tracker) Start(contracts []config.TrackedContract) {
	for _, c := range contracts {
		for _, label := range c.TickTypes {
			tt, err := tick.NormalizeType(label)
			if err != nil {
				t.logger.Error().Err(err).Int32("contract_id", c.ContractID).Str("tick_type", label).Msg("skipping tracked contract: unknown tick type")
				continue
			}

			h, err := t.mux.SubscribeBackground(c.ContractID, tt)
			if err != nil {
				t.logger.Error().Err(err).Int32("contract_id", c.ContractID).Str("tick_type", string(tt)).Msg("skipping tracked contract: upstream subscribe failed")
				continue
			}
			h.AddSubscriber(stream.StorageSink{})

			t.entries = append(t.entries, Entry{
				ContractID: c.ContractID, SymbolLabel: c.SymbolLabel,
				TickType: tt, BufferHours: c.BufferHours, Handle: h,
			})
			t.logger.Info().Int32("contract_id", c.ContractID).Str("symbol", c.SymbolLabel).
				Str("tick_type", string(tt)).Int("buffer_hours", c.BufferHours).Msg("tracking contract")
		}
	}
}

// Entries returns the currently tracked set.
func (t *Tracker) Entries() []Entry { return t.entries }

// DataFlowing reports whether at least one tracked entry has produced
// a tick within the staleness threshold (spec: "data_flowing is true
// iff at least one tracked stream has produced a tick within the last
// data_staleness_threshold"). Used as supervisor.Hooks.DataFlowing
// (spec §4.5: "socket connected but no data flowing" must be
// detectable independently of the socket state).
//
// An empty tracked set is considered flowing: with nothing tracked,
// staleness can't be evaluated, and treating it as unhealthy would
// spuriously escalate a deployment that only serves interactive,
// client-driven subscriptions (spec §4.6 describes tracked contracts
// as optional).
func (t *Tracker) DataFlowing() bool {
	if len(t.entries) == 0 {
		return true
	}

	now := time.Now().UnixMicro()
	for _, e := range t.entries {
		last := e.Handle.LastEventTsUS()
		if last == 0 {
			continue // no tick yet, so this entry does not count as flowing
		}
		if time.Duration(now-last)*time.Microsecond <= t.staleAfter {
			return true
		}
	}
	return false
}

// Status returns a human-readable per-entry staleness summary.
func (t *Tracker) Status() []string {
	now := time.Now().UnixMicro()
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		last := e.Handle.LastEventTsUS()
		age := "never"
		if last != 0 {
			age = time.Duration(now-last).String()
		}
		out = append(out, fmt.Sprintf("%d/%s: last_tick_age=%s", e.ContractID, e.TickType, age))
	}
	return out
}
