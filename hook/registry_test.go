package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/hook"
)

// countingHook opts in to a subset of events.
type countingHook struct {
	completed atomic.Int64
	cancelled atomic.Int64
	expired   atomic.Int64
}

func (h *countingHook) Name() string { return "counting" }

func (h *countingHook) OnUnitCompleted(_ context.Context, _ uint64, _ time.Duration) error {
	h.completed.Add(1)
	return nil
}

func (h *countingHook) OnUnitCancelled(_ context.Context, _ uint64, _ pomegranate.CancelReason) error {
	h.cancelled.Add(1)
	return nil
}

func (h *countingHook) OnSessionExpired(_ context.Context, _ string, _ int) error {
	h.expired.Add(1)
	return nil
}

// failingHook errors on every event it implements.
type failingHook struct{}

func (failingHook) Name() string { return "failing" }

func (failingHook) OnUnitCompleted(_ context.Context, _ uint64, _ time.Duration) error {
	return errors.New("boom")
}

func TestRegistry_FanOutRespectsOptIn(t *testing.T) {
	t.Parallel()

	reg := hook.NewRegistry(slog.Default())
	h := &countingHook{}
	reg.Register(h)

	ctx := context.Background()
	reg.EmitUnitCompleted(ctx, 1, time.Second)
	reg.EmitUnitCompleted(ctx, 2, time.Second)
	reg.EmitUnitCancelled(ctx, 3, pomegranate.CancelRequested)
	reg.EmitSessionExpired(ctx, "sess_x", 4)

	// Events the hook does not implement must be silently skipped.
	reg.EmitUnitCreated(ctx, 9)
	reg.EmitUnitDispatched(ctx, 9, "sess_x")
	reg.EmitSessionSuspended(ctx, "sess_x")
	reg.EmitShutdown(ctx)

	if got := h.completed.Load(); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	if got := h.cancelled.Load(); got != 1 {
		t.Errorf("cancelled = %d, want 1", got)
	}
	if got := h.expired.Load(); got != 1 {
		t.Errorf("expired = %d, want 1", got)
	}
}

func TestRegistry_HookErrorIsIsolated(t *testing.T) {
	t.Parallel()

	reg := hook.NewRegistry(slog.Default())
	reg.Register(failingHook{})
	good := &countingHook{}
	reg.Register(good)

	// The failing hook must not prevent the next hook from running.
	reg.EmitUnitCompleted(context.Background(), 1, time.Second)

	if got := good.completed.Load(); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}
