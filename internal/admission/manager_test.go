package admission

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		CPURejectPct: 90, CPUPausePct: 75, SafetyMargin: 0.8,
		MinConnections: 100, MaxCapacity: 20000, Interval: time.Second,
		PerIPConnectionCap: 2, PerConnectionSubCap: 10,
	}
}

func TestNewSetsInitialCapacityWithinBounds(t *testing.T) {
	m := New(testConfig(), zerolog.Nop())
	max := m.MaxConnections()
	if max < testConfig().MinConnections || max > testConfig().MaxCapacity {
		t.Fatalf("initial capacity %d out of configured bounds", max)
	}
}

func TestShouldAcceptRejectsAtCapacity(t *testing.T) {
	m := New(testConfig(), zerolog.Nop())
	ok, _ := m.ShouldAccept(0)
	if !ok {
		t.Fatalf("expected accept below capacity")
	}
	ok, reason := m.ShouldAccept(m.MaxConnections())
	if ok {
		t.Fatalf("expected reject at capacity")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty rejection reason")
	}
}

func TestShouldPauseThreshold(t *testing.T) {
	m := New(testConfig(), zerolog.Nop())
	if m.ShouldPause(50) {
		t.Fatalf("50%% CPU must not trigger pause at an 75%% threshold")
	}
	if !m.ShouldPause(80) {
		t.Fatalf("80%% CPU must trigger pause at a 75%% threshold")
	}
}

func TestPerIPCapEnforced(t *testing.T) {
	m := New(testConfig(), zerolog.Nop())
	if !m.CheckPerIP("1.2.3.4") {
		t.Fatalf("expected first connection from an IP to be allowed")
	}
	if !m.CheckPerIP("1.2.3.4") {
		t.Fatalf("expected second connection from an IP to be allowed (cap is 2)")
	}
	if m.CheckPerIP("1.2.3.4") {
		t.Fatalf("expected third connection from the same IP to be rejected")
	}

	m.ReleaseIP("1.2.3.4")
	if !m.CheckPerIP("1.2.3.4") {
		t.Fatalf("expected a connection to be allowed again after a release")
	}
}

func TestStatusReportsConfiguredCaps(t *testing.T) {
	m := New(testConfig(), zerolog.Nop())
	s := m.Status()
	if s["per_ip_cap"] != 2 {
		t.Fatalf("expected per_ip_cap=2 in status, got %v", s["per_ip_cap"])
	}
}
