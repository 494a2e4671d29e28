// Package supervisor implements C5: keeps the upstream session alive,
// detects socket-vs-data-flow health independently, executes the
// escalating recovery ladder, and supervises every background task so
// none can die without notification (spec §4.5, §9).
package supervisor

import "sync/atomic"

// SessionState is C5's owned lifecycle value (spec §3.4).
type SessionState int32

const (
	Disconnected SessionState = iota
	Connecting
	Handshaking
	Ready
	Degraded
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// sessionState is an atomically-readable SessionState; multiple
// goroutines (HTTP health handler, monitor loop) read it concurrently.
type sessionState struct{ v int32 }

func (s *sessionState) Store(v SessionState) { atomic.StoreInt32(&s.v, int32(v)) }
func (s *sessionState) Load() SessionState   { return SessionState(atomic.LoadInt32(&s.v)) }
