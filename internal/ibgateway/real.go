package ibgateway

import (
	"context"

	"github.com/lakowske/ib-stream-sub000/internal/tick"
)

// realClient is a stub satisfying Client for production wiring; the
// actual IB Gateway wire codec is an out-of-scope third-party library
// (spec §1) and is not implemented here.
type realClient struct{}

// NewRealClient returns a Client stub. Connect always fails with
// ErrNotImplemented: plugging in the actual upstream library is
// outside this subsystem's scope.
func NewRealClient() Client { return realClient{} }

func (realClient) OnTick(TickCallback)          {}
func (realClient) OnConnect(func())             {}
func (realClient) OnDisconnect(func(error))     {}
func (realClient) OnError(func(error))          {}
func (realClient) Connected() bool              { return false }

func (realClient) Connect(ctx context.Context, host string, port int, clientID int) error {
	return ErrNotImplemented
}

func (realClient) Subscribe(ctx context.Context, contractID int32, tt tick.Type) (int32, error) {
	return 0, ErrNotImplemented
}

func (realClient) Unsubscribe(ctx context.Context, requestID int32) error {
	return ErrNotImplemented
}
