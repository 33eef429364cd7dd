// Package hook defines the lifecycle hook system for Pomegranate.
//
// Hooks are notified of unit and session lifecycle events and can react to
// them, for example recording metrics or emitting audit logs. Each
// lifecycle event is a separate interface so a hook opts in only to the
// events it cares about.
//
// # Implementing a hook
//
//	type auditHook struct{}
//
//	func (h *auditHook) Name() string { return "audit" }
//
//	// Opt in to specific events by implementing their interfaces.
//	func (h *auditHook) OnUnitCompleted(ctx context.Context, unitID uint64, elapsed time.Duration) error {
//	    log.Printf("unit %d completed in %s", unitID, elapsed)
//	    return nil
//	}
//
// The Registry fans each event out to every registered hook that implements
// the corresponding interface. Hook errors are logged and swallowed: a
// misbehaving hook must never disturb protocol state.
package hook

import (
	"context"
	"time"

	"github.com/carmisergio/pomegranate"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Unit lifecycle events
// ──────────────────────────────────────────────────

// UnitCreated fires when the coordinator role enqueues a payload.
type UnitCreated interface {
	OnUnitCreated(ctx context.Context, unitID uint64) error
}

// UnitDispatched fires when a unit is sent to a worker session.
type UnitDispatched interface {
	OnUnitDispatched(ctx context.Context, unitID uint64, sessionID string) error
}

// UnitAcknowledged fires when the holding worker confirms receipt.
type UnitAcknowledged interface {
	OnUnitAcknowledged(ctx context.Context, unitID uint64, sessionID string) error
}

// UnitCompleted fires when a unit reaches Completed, before in-order
// delivery to the coordinator role.
type UnitCompleted interface {
	OnUnitCompleted(ctx context.Context, unitID uint64, elapsed time.Duration) error
}

// UnitCancelled fires when a unit reaches Cancelled.
type UnitCancelled interface {
	OnUnitCancelled(ctx context.Context, unitID uint64, reason pomegranate.CancelReason) error
}

// UnitLost fires when a session expiry returns a unit to the dispatch
// queue.
type UnitLost interface {
	OnUnitLost(ctx context.Context, unitID uint64, sessionID string) error
}

// ──────────────────────────────────────────────────
// Session lifecycle events
// ──────────────────────────────────────────────────

// SessionOpened fires when a new session is established.
type SessionOpened interface {
	OnSessionOpened(ctx context.Context, sessionID, workerID string) error
}

// SessionResumed fires when a suspended session is rebound to a fresh
// connection.
type SessionResumed interface {
	OnSessionResumed(ctx context.Context, sessionID string, replayed int) error
}

// SessionSuspended fires when the connection dies but the session survives.
type SessionSuspended interface {
	OnSessionSuspended(ctx context.Context, sessionID string) error
}

// SessionExpired fires when the grace period elapses with no resume.
type SessionExpired interface {
	OnSessionExpired(ctx context.Context, sessionID string, lostUnits int) error
}

// Shutdown fires when the runtime is shutting down gracefully.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
