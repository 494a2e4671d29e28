// Package admission implements §4.9: a dynamic capacity manager that
// samples CPU and memory on an interval and derives a safe maximum
// concurrent-subscriber count, plus the per-IP connection cap and
// per-connection subscription cap C7 adapters enforce before
// upgrading or subscribing a connection.
package admission

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Config is the subset of internal/config.Config the manager needs.
type Config struct {
	CPURejectPct  float64
	CPUPausePct   float64
	SafetyMargin  float64
	MinConnections int
	MaxCapacity   int
	Interval      time.Duration

	PerIPConnectionCap  int
	PerConnectionSubCap int
}

type measurement struct {
	connections int
	cpuPercent  float64
	memoryBytes int64
}

// Manager is the dynamic capacity manager (spec §4.9), grounded on the
// teacher's CPU/memory-based capacity estimation.
type Manager struct {
	mu sync.RWMutex

	cfg Config

	totalCPU        int
	availableMemory int64

	maxConnections int
	measurements   []measurement

	perIPMu   sync.Mutex
	perIPConn map[string]int

	logger zerolog.Logger
}

// New builds a Manager, detecting GOMAXPROCS and the container memory
// ceiling immediately so ShouldAccept has a sane answer before the
// first recalculation tick.
func New(cfg Config, logger zerolog.Logger) *Manager {
	mem := memoryLimit()
	if mem == 0 {
		mem = 256 * 1024 * 1024 // conservative default, no cgroup limit detected
	}

	m := &Manager{
		cfg:             cfg,
		totalCPU:        runtime.GOMAXPROCS(0),
		availableMemory: mem,
		maxConnections:  cfg.MinConnections,
		perIPConn:       make(map[string]int),
		logger:          logger.With().Str("component", "admission").Logger(),
	}
	m.recalculate(0, 0)
	return m
}

// Run recalculates capacity every cfg.Interval until ctx is cancelled;
// launch via supervisor.Supervise so a sampling failure doesn't leave
// capacity stale silently.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			systemCPU, _ := cpu.Percent(time.Second, false)
			var cpuPct float64
			if len(systemCPU) > 0 {
				cpuPct = systemCPU[0]
			}

			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			m.recalculate(cpuPct, int64(ms.Alloc))
		}
	}
}

// ShouldAccept reports whether a new connection may be admitted given
// the current active count. Returns false with a human-readable
// reason when rejecting (spec §4.9, §4.7.3).
func (m *Manager) ShouldAccept(activeConns int) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if activeConns >= m.maxConnections {
		metrics.ConnectionsRejectedTotal.WithLabelValues("at_capacity").Inc()
		return false, "at capacity"
	}
	return true, ""
}

// ShouldPause reports whether the service should pause consuming new
// upstream ticks due to CPU pressure (the pause threshold sits below
// the harder reject threshold, giving the system room to shed load
// before refusing connections outright).
func (m *Manager) ShouldPause(currentCPUPercent float64) bool {
	return currentCPUPercent > m.cfg.CPUPausePct
}

// CheckPerIP enforces the per-IP connection cap (§4.7.3); call
// ReleaseIP on disconnect.
func (m *Manager) CheckPerIP(ip string) bool {
	m.perIPMu.Lock()
	defer m.perIPMu.Unlock()
	if m.perIPConn[ip] >= m.cfg.PerIPConnectionCap {
		return false
	}
	m.perIPConn[ip]++
	return true
}

// ReleaseIP decrements the per-IP connection count on disconnect.
func (m *Manager) ReleaseIP(ip string) {
	m.perIPMu.Lock()
	defer m.perIPMu.Unlock()
	if m.perIPConn[ip] > 0 {
		m.perIPConn[ip]--
		if m.perIPConn[ip] == 0 {
			delete(m.perIPConn, ip)
		}
	}
}

// MaxConnections returns the current computed ceiling.
func (m *Manager) MaxConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxConnections
}

// PerConnectionSubCap returns the configured per-connection
// subscription cap, enforced by the C7 transport adapters.
func (m *Manager) PerConnectionSubCap() int {
	return m.cfg.PerConnectionSubCap
}

// Status returns a snapshot for the /admission/status endpoint.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"max_connections":   m.maxConnections,
		"total_cpu_cores":   m.totalCPU,
		"available_memory":  m.availableMemory,
		"cpu_reject_pct":    m.cfg.CPURejectPct,
		"cpu_pause_pct":     m.cfg.CPUPausePct,
		"per_ip_cap":        m.cfg.PerIPConnectionCap,
		"per_conn_sub_cap":  m.cfg.PerConnectionSubCap,
	}
}

func (m *Manager) recalculate(cpuPercent float64, memBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.measurements = append(m.measurements, measurement{connections: 0, cpuPercent: cpuPercent, memoryBytes: memBytes})
	if len(m.measurements) > 120 { // keep roughly 1 hour of history at a 30s interval
		m.measurements = m.measurements[1:]
	}

	cpuCapacity := m.calculateCPUCapacity(cpuPercent)
	memCapacity := m.calculateMemoryCapacity(memBytes)

	newCapacity := int(math.Min(float64(cpuCapacity), float64(memCapacity)))
	newCapacity = int(float64(newCapacity) * m.cfg.SafetyMargin)

	if newCapacity < m.cfg.MinConnections {
		newCapacity = m.cfg.MinConnections
	}
	if newCapacity > m.cfg.MaxCapacity {
		newCapacity = m.cfg.MaxCapacity
	}

	m.maxConnections = newCapacity
	metrics.AdmissionMaxConnections.Set(float64(newCapacity))
	metrics.AdmissionCPUHeadroom.Set(m.cfg.CPURejectPct - cpuPercent)

	memHeadroomPct := 100.0
	if m.availableMemory > 0 {
		memHeadroomPct = 100 * float64(m.availableMemory-memBytes) / float64(m.availableMemory)
	}
	metrics.AdmissionMemHeadroom.Set(memHeadroomPct)
}

// calculateCPUCapacity estimates max connections from available CPU
// headroom at a fixed conservative rate of 10 connections per percent
// of headroom per core (headroom floored at 10%); collected samples do
// not adjust this rate.
func (m *Manager) calculateCPUCapacity(currentCPUPercent float64) int {
	headroom := m.cfg.CPURejectPct - currentCPUPercent
	if headroom < 10 {
		headroom = 10
	}
	const connectionsPerCPUPercent = 10
	return int(connectionsPerCPUPercent * headroom * float64(m.totalCPU))
}

// calculateMemoryCapacity estimates max connections from the
// container memory ceiling minus runtime baseline and a safety
// reserve, divided by an estimated per-connection footprint (bounded
// subscriber channel + tail ring share).
func (m *Manager) calculateMemoryCapacity(currentAlloc int64) int {
	const runtimeOverhead = int64(128 * 1024 * 1024)
	const bytesPerConnection = int64(64 * 1024) // bounded sink channel + bookkeeping

	baseline := runtimeOverhead
	if currentAlloc > baseline {
		baseline = currentAlloc
	}

	reserved := int64(float64(m.availableMemory) * 0.2)
	usable := m.availableMemory - baseline - reserved
	if usable < 0 {
		usable = m.availableMemory / 2
	}

	return int(usable / bytesPerConnection)
}
