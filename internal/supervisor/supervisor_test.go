package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/ibgateway"
	"github.com/rs/zerolog"
)

func TestEscalationLadderLevels(t *testing.T) {
	sim := ibgateway.NewSimulator()
	sim.Connect(context.Background(), "127.0.0.1", 7497, 1)

	cfg := Config{
		Hosts: []string{"127.0.0.1"}, Ports: []int{7497},
		MonitorInterval: time.Second, ReconnectInterval: time.Millisecond,
		DataStalenessThreshold: time.Minute,
		WarnThreshold:          time.Minute,
		RestartThreshold:       3 * time.Minute,
		ResetThreshold:         5 * time.Minute,
		CriticalThreshold:      10 * time.Minute,
	}

	var restarted, rebuilt int
	var criticalMsgs []string
	hooks := Hooks{
		DataFlowing:           func() bool { return false }, // force unhealthy
		RestartStreamWorkers:  func(ctx context.Context) error { restarted++; return nil },
		RebuildAllStreams:     func(ctx context.Context) error { rebuilt++; return nil },
		OnCriticalAlert:       func(msg string) { criticalMsgs = append(criticalMsgs, msg) },
	}

	s := New(cfg, sim, hooks, zerolog.Nop())
	s.state.Store(Ready)

	ctx := context.Background()

	// Simulate being unhealthy for 2 minutes: should reach level 1, not level 2.
	s.unhealthySince = time.Now().Add(-2 * time.Minute)
	s.evaluate(ctx)
	if s.Level() != 1 {
		t.Fatalf("expected level 1 at 2m unhealthy, got %d", s.Level())
	}
	if restarted != 0 {
		t.Fatalf("level 1 must not restart stream workers")
	}

	// 4 minutes unhealthy: level 2, restart stream workers.
	s.unhealthySince = time.Now().Add(-4 * time.Minute)
	s.evaluate(ctx)
	if s.Level() != 2 {
		t.Fatalf("expected level 2 at 4m unhealthy, got %d", s.Level())
	}
	if restarted != 1 {
		t.Fatalf("expected RestartStreamWorkers called once, got %d", restarted)
	}

	// 6 minutes unhealthy: level 3, full session reset (rebuild all streams).
	s.unhealthySince = time.Now().Add(-6 * time.Minute)
	s.evaluate(ctx)
	if s.Level() != 3 {
		t.Fatalf("expected level 3 at 6m unhealthy, got %d", s.Level())
	}
	if rebuilt == 0 {
		t.Fatalf("expected RebuildAllStreams called at level 3")
	}

	// 11 minutes unhealthy: level 4, critical alert.
	s.unhealthySince = time.Now().Add(-11 * time.Minute)
	s.evaluate(ctx)
	if s.Level() != 4 {
		t.Fatalf("expected level 4 at 11m unhealthy, got %d", s.Level())
	}
	if len(criticalMsgs) == 0 {
		t.Fatalf("expected a critical alert to be emitted at level 4")
	}
}

func TestEvaluateResetsOnHealthy(t *testing.T) {
	sim := ibgateway.NewSimulator()
	sim.Connect(context.Background(), "127.0.0.1", 7497, 1)

	cfg := Config{WarnThreshold: time.Minute, MonitorInterval: time.Second}
	s := New(cfg, sim, Hooks{DataFlowing: func() bool { return true }}, zerolog.Nop())
	s.state.Store(Ready)

	s.unhealthySince = time.Now().Add(-2 * time.Minute)
	s.evaluate(context.Background())

	if s.Level() != 0 {
		t.Fatalf("expected level 0 once healthy, got %d", s.Level())
	}
	if !s.unhealthySince.IsZero() {
		t.Fatalf("expected unhealthySince to reset once healthy")
	}
}
