package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/ibgateway"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// Config carries the escalation-ladder timings and reconnect policy
// from spec §4.5/§6.2.
type Config struct {
	Hosts    []string
	Ports    []int
	ClientID int

	MonitorInterval   time.Duration
	ReconnectInterval time.Duration

	DataStalenessThreshold time.Duration
	WarnThreshold          time.Duration // level 1, default 1m
	RestartThreshold       time.Duration // level 2, default 3m
	ResetThreshold         time.Duration // level 3, default 5m
	CriticalThreshold      time.Duration // level 4, default 10m
}

// Hooks are the actions C5 takes on each escalation level; they are
// injected rather than imported directly so this package doesn't need
// to depend on internal/stream or internal/tracker (spec §9: a single
// Core value wires everything, avoiding import cycles between C4/C5/C6).
type Hooks struct {
	// DataFlowing reports whether any tracked stream has produced a
	// tick within DataStalenessThreshold.
	DataFlowing func() bool

	// RestartStreamWorkers tears down and reopens C4's per-contract
	// upstream subscriptions (level 2).
	RestartStreamWorkers func(ctx context.Context) error

	// RebuildAllStreams re-establishes every handle with
	// is_background=true or at least one subscriber after a reconnect
	// (spec §4.5 "Reconnection").
	RebuildAllStreams func(ctx context.Context) error

	// OnCriticalAlert is invoked once per cycle while level 4 persists.
	OnCriticalAlert func(msg string)
}

// Supervisor is C5.
type Supervisor struct {
	cfg    Config
	client ibgateway.Client
	hooks  Hooks
	logger zerolog.Logger

	state sessionState

	unhealthySince time.Time // zero when healthy
	level          int32
}

func New(cfg Config, client ibgateway.Client, hooks Hooks, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{cfg: cfg, client: client, hooks: hooks, logger: logger.With().Str("component", "supervisor").Logger()}
	s.state.Store(Disconnected)
	return s
}

func (s *Supervisor) State() SessionState { return s.state.Load() }

// Level returns the current escalation level (0 = healthy).
func (s *Supervisor) Level() int { return int(s.level) }

// Connected reports the raw upstream socket state, independent of
// whether data is flowing (spec's "socket connected but no data
// flowing" distinction, §4.5), for the /health endpoint's
// tws_connected field.
func (s *Supervisor) Connected() bool { return s.client.Connected() }

// Connect establishes the initial session, cycling through the
// configured host:port candidates until one succeeds (spec §4.5
// "Reconnection": every ReconnectInterval until one succeeds).
func (s *Supervisor) Connect(ctx context.Context) error {
	s.state.Store(Connecting)

	ports := s.cfg.Ports
	if len(ports) == 0 {
		ports = []int{7497, 7496, 4001, 4002} // well-known IB Gateway/TWS ports
	}

	for {
		for _, port := range ports {
			s.state.Store(Handshaking)
			var err error
			ibgateway.WithClientLock(func() {
				err = s.client.Connect(ctx, s.cfg.Hosts[0], port, s.cfg.ClientID)
			})
			if err == nil {
				s.state.Store(Ready)
				return nil
			}
			s.logger.Warn().Err(err).Str("host", s.cfg.Hosts[0]).Int("port", port).Msg("connect attempt failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// MonitorTask is the health-monitor background activity, meant to be
// launched via supervisor.Supervise so it is itself relaunched if it
// ever terminates unexpectedly.
func (s *Supervisor) MonitorTask(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *Supervisor) evaluate(ctx context.Context) {
	socketConnected := s.client.Connected()
	dataFlowing := s.hooks.DataFlowing != nil && s.hooks.DataFlowing()

	healthy := socketConnected && dataFlowing

	if healthy {
		if !s.unhealthySince.IsZero() {
			s.logger.Info().Msg("session recovered: healthy")
		}
		s.unhealthySince = time.Time{}
		s.level = 0
		metrics.SupervisorStateGauge.WithLabelValues().Set(0)
		if s.state.Load() != Ready {
			s.state.Store(Ready)
		}
		return
	}

	if s.state.Load() == Ready {
		s.state.Store(Degraded)
	}

	if s.unhealthySince.IsZero() {
		s.unhealthySince = time.Now()
	}
	elapsed := time.Since(s.unhealthySince)

	level := 0
	switch {
	case elapsed >= s.cfg.CriticalThreshold:
		level = 4
	case elapsed >= s.cfg.ResetThreshold:
		level = 3
	case elapsed >= s.cfg.RestartThreshold:
		level = 2
	case elapsed >= s.cfg.WarnThreshold:
		level = 1
	}
	if level == 0 {
		return
	}

	s.level = int32(level)
	metrics.SupervisorStateGauge.WithLabelValues().Set(float64(level))
	metrics.SupervisorRestartsTotal.WithLabelValues(fmt.Sprintf("%d", level)).Inc()

	switch level {
	case 1:
		s.logger.Warn().Dur("elapsed", elapsed).Msg("stale data: no ticks within staleness threshold")
	case 2:
		s.logger.Warn().Dur("elapsed", elapsed).Msg("escalation level 2: restarting stream workers")
		if s.hooks.RestartStreamWorkers != nil {
			if err := s.hooks.RestartStreamWorkers(ctx); err != nil {
				s.logger.Error().Err(err).Msg("restart stream workers failed")
			}
		}
	case 3:
		s.logger.Error().Dur("elapsed", elapsed).Msg("escalation level 3: forcing full session reset")
		if err := s.fullReset(ctx); err != nil {
			s.logger.Error().Err(err).Msg("full session reset failed")
		}
	case 4:
		msg := "auto-recovery unable to resolve session health"
		s.logger.Error().Dur("elapsed", elapsed).Msg(msg)
		if s.hooks.OnCriticalAlert != nil {
			s.hooks.OnCriticalAlert(msg)
		}
		// Keep retrying at the level-3 cadence, per spec §4.5.
		if err := s.fullReset(ctx); err != nil {
			s.logger.Error().Err(err).Msg("full session reset (critical retry) failed")
		}
	}
}

// fullReset disconnects, acquires a fresh client id, reconnects, and
// rebuilds every stream (level 3 action, spec §4.5).
func (s *Supervisor) fullReset(ctx context.Context) error {
	s.state.Store(Disconnected)
	s.cfg.ClientID++ // fresh upstream client id on every full reset

	if err := s.Connect(ctx); err != nil {
		return err
	}

	if s.hooks.RebuildAllStreams != nil {
		return s.hooks.RebuildAllStreams(ctx)
	}
	return nil
}
