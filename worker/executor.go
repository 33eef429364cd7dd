package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/carmisergio/pomegranate"
)

// executor runs handler invocations with bounded concurrency and tracks the
// local mirror of every unit this worker currently holds. Each unit gets its
// own cancellable context; a coordinator Cancel cancels it and the unit
// settles as cancelled instead of producing a result.
//
// The mirror entry lives until the coordinator acknowledges the unit's
// Result or Cancel, so a redelivered Dispatch never starts the handler
// twice.
type executor struct {
	handler pomegranate.Handler
	logger  *slog.Logger
	sem     chan struct{}

	// onResult and onCancelled report a settled unit back to the
	// connection layer, which turns them into retransmittable frames.
	onResult    func(unitID uint64, result []byte, appErr string)
	onCancelled func(unitID uint64, reason uint8)

	mu        sync.Mutex
	abandoned bool
	units     map[uint64]*unitRun
}

type unitRun struct {
	cancel context.CancelFunc

	// cancelled marks a coordinator-requested cancellation; done marks the
	// handler as returned. Whichever is set first under the mutex decides
	// how the unit settles.
	cancelled bool
	reason    uint8
	done      bool
}

func newExecutor(handler pomegranate.Handler, maxInFlight int, logger *slog.Logger) *executor {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &executor{
		handler: handler,
		logger:  logger,
		sem:     make(chan struct{}, maxInFlight),
		units:   make(map[uint64]*unitRun),
	}
}

// launch starts processing a unit. A unit id already in the mirror is a
// redelivery and is ignored.
func (e *executor) launch(ctx context.Context, unitID uint64, payload []byte) {
	e.mu.Lock()
	if e.abandoned {
		e.mu.Unlock()
		return
	}
	if _, exists := e.units[unitID]; exists {
		e.mu.Unlock()
		return
	}
	uctx, cancel := context.WithCancel(ctx)
	run := &unitRun{cancel: cancel}
	e.units[unitID] = run
	e.mu.Unlock()

	go e.process(uctx, run, unitID, payload)
}

func (e *executor) process(ctx context.Context, run *unitRun, unitID uint64, payload []byte) {
	defer run.cancel()

	// Wait for a processing slot, unless cancelled first.
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.settle(ctx, run, unitID, nil, ctx.Err())
		return
	}
	defer func() { <-e.sem }()

	result, err := e.handler.Process(ctx, &pomegranate.Unit{ID: unitID, Payload: payload})
	e.settle(ctx, run, unitID, result, err)
}

// settle decides a finished unit's fate and reports it once.
func (e *executor) settle(ctx context.Context, run *unitRun, unitID uint64, result []byte, err error) {
	e.mu.Lock()
	run.done = true
	cancelled, reason := run.cancelled, run.reason
	abandoned := e.abandoned
	e.mu.Unlock()

	if abandoned {
		return
	}

	switch {
	case cancelled:
		e.onCancelled(unitID, reason)
	case errors.Is(err, pomegranate.ErrUnitCancelled):
		// The handler refused the unit on its own.
		e.onCancelled(unitID, uint8(pomegranate.CancelRefused))
	case err != nil && ctx.Err() != nil:
		// Worker shutdown, not a coordinator cancel: drop silently and let
		// the session expiry redispatch the unit.
	case err != nil:
		e.onResult(unitID, result, err.Error())
	default:
		e.onResult(unitID, result, "")
	}
}

// cancel requests cancellation of a running unit. It reports false when the
// unit is unknown or its handler already returned; the Result then wins.
func (e *executor) cancel(unitID uint64, reason uint8) bool {
	e.mu.Lock()
	run, ok := e.units[unitID]
	if !ok || run.done {
		e.mu.Unlock()
		return false
	}
	run.cancelled = true
	run.reason = reason
	e.mu.Unlock()

	run.cancel()
	return true
}

// prune drops a unit's mirror entry once the coordinator has acknowledged
// its settlement.
func (e *executor) prune(unitID uint64) {
	e.mu.Lock()
	delete(e.units, unitID)
	e.mu.Unlock()
}

// pending returns the number of units currently mirrored.
func (e *executor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// abandon cancels every running unit and suppresses all further reporting.
// Used when the coordinator rejects a resume: the session's assignments are
// gone and results for them must not leak into a fresh session.
func (e *executor) abandon() {
	e.mu.Lock()
	e.abandoned = true
	runs := make([]*unitRun, 0, len(e.units))
	for _, run := range e.units {
		runs = append(runs, run)
	}
	e.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
}
