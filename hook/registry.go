package hook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carmisergio/pomegranate"
)

// Registry fans lifecycle events out to registered hooks. Emit methods never
// fail: a hook error is logged against the hook's name and dropped.
type Registry struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger *slog.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// snapshot returns the hook list without holding the lock during emission.
func (r *Registry) snapshot() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, len(r.hooks))
	copy(out, r.hooks)
	return out
}

func (r *Registry) report(h Hook, event string, err error) {
	if err != nil {
		r.logger.Error("hook error",
			slog.String("hook", h.Name()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// EmitUnitCreated notifies UnitCreated hooks.
func (r *Registry) EmitUnitCreated(ctx context.Context, unitID uint64) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(UnitCreated); ok {
			r.report(h, "unit_created", hh.OnUnitCreated(ctx, unitID))
		}
	}
}

// EmitUnitDispatched notifies UnitDispatched hooks.
func (r *Registry) EmitUnitDispatched(ctx context.Context, unitID uint64, sessionID string) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(UnitDispatched); ok {
			r.report(h, "unit_dispatched", hh.OnUnitDispatched(ctx, unitID, sessionID))
		}
	}
}

// EmitUnitAcknowledged notifies UnitAcknowledged hooks.
func (r *Registry) EmitUnitAcknowledged(ctx context.Context, unitID uint64, sessionID string) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(UnitAcknowledged); ok {
			r.report(h, "unit_acknowledged", hh.OnUnitAcknowledged(ctx, unitID, sessionID))
		}
	}
}

// EmitUnitCompleted notifies UnitCompleted hooks.
func (r *Registry) EmitUnitCompleted(ctx context.Context, unitID uint64, elapsed time.Duration) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(UnitCompleted); ok {
			r.report(h, "unit_completed", hh.OnUnitCompleted(ctx, unitID, elapsed))
		}
	}
}

// EmitUnitCancelled notifies UnitCancelled hooks.
func (r *Registry) EmitUnitCancelled(ctx context.Context, unitID uint64, reason pomegranate.CancelReason) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(UnitCancelled); ok {
			r.report(h, "unit_cancelled", hh.OnUnitCancelled(ctx, unitID, reason))
		}
	}
}

// EmitUnitLost notifies UnitLost hooks.
func (r *Registry) EmitUnitLost(ctx context.Context, unitID uint64, sessionID string) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(UnitLost); ok {
			r.report(h, "unit_lost", hh.OnUnitLost(ctx, unitID, sessionID))
		}
	}
}

// EmitSessionOpened notifies SessionOpened hooks.
func (r *Registry) EmitSessionOpened(ctx context.Context, sessionID, workerID string) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(SessionOpened); ok {
			r.report(h, "session_opened", hh.OnSessionOpened(ctx, sessionID, workerID))
		}
	}
}

// EmitSessionResumed notifies SessionResumed hooks.
func (r *Registry) EmitSessionResumed(ctx context.Context, sessionID string, replayed int) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(SessionResumed); ok {
			r.report(h, "session_resumed", hh.OnSessionResumed(ctx, sessionID, replayed))
		}
	}
}

// EmitSessionSuspended notifies SessionSuspended hooks.
func (r *Registry) EmitSessionSuspended(ctx context.Context, sessionID string) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(SessionSuspended); ok {
			r.report(h, "session_suspended", hh.OnSessionSuspended(ctx, sessionID))
		}
	}
}

// EmitSessionExpired notifies SessionExpired hooks.
func (r *Registry) EmitSessionExpired(ctx context.Context, sessionID string, lostUnits int) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(SessionExpired); ok {
			r.report(h, "session_expired", hh.OnSessionExpired(ctx, sessionID, lostUnits))
		}
	}
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, h := range r.snapshot() {
		if hh, ok := h.(Shutdown); ok {
			r.report(h, "shutdown", hh.OnShutdown(ctx))
		}
	}
}
