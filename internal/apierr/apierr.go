// Package apierr defines the small set of error kinds the transport
// adapters translate into wire error messages and transport-level
// close codes (spec §7).
package apierr

import "fmt"

// Kind is implemented by every error this service surfaces to a
// subscriber, so a transport adapter can map it to a wire code without
// string-matching error text.
type Kind interface {
	error
	Kind() string
}

type kinded struct {
	kind string
	msg  string
}

func (e kinded) Error() string { return e.msg }
func (e kinded) Kind() string  { return e.kind }

func New(kind, format string, args ...interface{}) Kind {
	return kinded{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Recognized kinds (spec §7).
const (
	KindUnknownTickType       = "UnknownTickType"
	KindInvalidContract       = "InvalidContract"
	KindInvalidRange          = "InvalidRange"
	KindUpstreamDisconnected  = "UpstreamDisconnected"
	KindStorageWriteFailed    = "StorageWriteFailed"
	KindSlowConsumer          = "SlowConsumer"
	KindRateLimitExceeded     = "RateLimitExceeded"
)

func UnknownTickType(label string) Kind {
	return New(KindUnknownTickType, "unknown tick type: %q", label)
}

func InvalidContract(contractID int32) Kind {
	return New(KindInvalidContract, "invalid contract_id: %d", contractID)
}

func InvalidRange(reason string) Kind {
	return New(KindInvalidRange, "invalid range: %s", reason)
}

func SlowConsumer() Kind {
	return New(KindSlowConsumer, "subscriber closed: slow consumer")
}

func UpstreamDisconnected(recoverable bool) Kind {
	if recoverable {
		return New(KindUpstreamDisconnected, "upstream session disconnected, recovery in progress")
	}
	return New(KindUpstreamDisconnected, "upstream session disconnected, automatic recovery exhausted")
}

func RateLimitExceeded() Kind {
	return New(KindRateLimitExceeded, "rate limit exceeded")
}
