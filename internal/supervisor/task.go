package supervisor

import (
	"context"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/logging"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// TaskFunc is one supervised background activity: the session
// maintainer, the health monitor, a per-contract stream worker, a
// storage flush loop, and so on (spec §4.5 "Task supervision"). It
// should run until ctx is cancelled and return nil on a clean exit.
type TaskFunc func(ctx context.Context) error

// Supervise launches fn in its own goroutine with a panic recovery
// wrapper. If fn panics or returns a non-nil error while ctx is still
// live, the failure is logged at critical severity and fn is
// relaunched after backoff. A task whose exit coincides with ctx
// cancellation is treated as a clean shutdown, not a failure, and is
// not restarted (spec §4.5: "Tasks cancelled as part of shutdown are
// distinguished from failures and not restarted").
//
// "Implementations MUST NOT spawn tasks that can die without
// notification" (spec §9) — every goroutine this service starts for a
// long-running activity should go through Supervise rather than a bare
// `go func(){...}()`.
func Supervise(ctx context.Context, name string, backoff time.Duration, logger zerolog.Logger, fn TaskFunc) {
	go func() {
		for {
			err := runOnce(logger, name, fn, ctx)

			if ctx.Err() != nil {
				logger.Info().Str("task", name).Msg("supervised task stopped: shutdown")
				return
			}

			if err != nil {
				logger.Error().Str("task", name).Err(err).Bool("critical", true).Msg("supervised task terminated, relaunching")
			} else {
				logger.Warn().Str("task", name).Msg("supervised task exited cleanly while context still live, relaunching")
			}
			metrics.TaskRestartsTotal.WithLabelValues(name).Inc()

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}

func runOnce(logger zerolog.Logger, name string, fn TaskFunc, ctx context.Context) (err error) {
	panicked := true
	defer func() {
		if panicked {
			err = errPanic{}
		}
	}()
	// Deferred directly so its recover() sees the panic and logs it with
	// a stack trace; the closure above then reports it as a failure.
	defer logging.RecoverAndLog(logger, name)
	err = fn(ctx)
	panicked = false
	return err
}

type errPanic struct{ value interface{} }

func (e errPanic) Error() string { return "panic recovered in supervised task" }
