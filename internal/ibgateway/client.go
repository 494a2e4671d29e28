// Package ibgateway models the out-of-scope IB Gateway/TWS upstream
// collaborator as a Go interface, following the EWrapper-style
// callback convention common to market-data client libraries (connect
// once, register callbacks, the library drives them from its own
// read loop). The real wire protocol is out of scope per spec §1: the
// simulator is the working implementation (tests and the S1-S7
// scenarios), and realClient is a stub whose Connect returns
// ErrNotImplemented.
package ibgateway

import (
	"context"
	"errors"
	"sync"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// ErrNotImplemented is returned by the real client stub; the upstream
// binary protocol is an out-of-scope opaque third-party library.
var ErrNotImplemented = errors.New("ibgateway: real client not implemented (out of scope)")

// TickCallback delivers one raw upstream tick to the caller; cid and
// tickTypeLabel are passed through to C1 for alias folding before
// storage (spec §4.1).
type TickCallback func(contractID int32, tickTypeLabel string, sysTsUS int64, fields tick.UpstreamFields)

// Client is the upstream collaborator's interface. Callback
// registration happens once at construction; Connect drives the
// client's internal read loop until ctx is cancelled or the socket
// drops.
type Client interface {
	OnTick(cb TickCallback)
	OnConnect(cb func())
	OnDisconnect(cb func(err error))
	OnError(cb func(err error))

	Connect(ctx context.Context, host string, port int, clientID int) error
	Connected() bool

	// Subscribe/Unsubscribe are serialized behind a single mutex on the
	// client object by the caller (spec §5: "a single upstream-library
	// API whose calls must be serialized behind a mutex because the
	// third-party library is not thread-safe on its client object").
	Subscribe(ctx context.Context, contractID int32, tickType tick.Type) (requestID int32, err error)
	Unsubscribe(ctx context.Context, requestID int32) error
}

// clientMu serializes all Subscribe/Unsubscribe/Connect calls across
// every Client implementation constructed in this package, matching
// the "not thread-safe on its client object" constraint in spec §5.
var clientMu sync.Mutex

// WithClientLock runs fn while holding the shared upstream-client
// lock. internal/supervisor uses it for Connect, and internal/core uses
// it for every Subscribe/Unsubscribe call.
func WithClientLock(fn func()) {
	clientMu.Lock()
	defer clientMu.Unlock()
	fn()
}
