package coordinator

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/hook"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConfig replaces the default protocol tunables.
func WithConfig(cfg pomegranate.Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithClock injects a clock, used by tests to control heartbeat and grace
// timers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithHooks registers lifecycle hooks.
func WithHooks(hooks ...hook.Hook) Option {
	return func(c *Coordinator) {
		c.hookList = append(c.hookList, hooks...)
	}
}

// WithDispatchRateLimit caps the overall dispatch rate across all sessions.
// Zero values disable limiting.
func WithDispatchRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		if limit > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(limit, burst)
		}
	}
}
