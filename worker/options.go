package worker

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/backoff"
	"github.com/carmisergio/pomegranate/transport"
)

// Option configures a Worker.
type Option func(*Worker)

// WithDialer sets how the worker reaches the coordinator. Required.
func WithDialer(d transport.Dialer) Option {
	return func(w *Worker) {
		w.dialer = d
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithConfig replaces the default protocol tunables. The coordinator's
// HelloAck overrides the heartbeat parameters.
func WithConfig(cfg pomegranate.Config) Option {
	return func(w *Worker) {
		w.cfg = cfg
	}
}

// WithBackoff replaces the default reconnect timer (flat-count doubling per
// the Config.Reconnect fields) with a custom delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(w *Worker) {
		w.strategy = s
	}
}

// WithClock injects a clock, used by tests to control heartbeat and
// reconnect timing.
func WithClock(clock clockwork.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}
