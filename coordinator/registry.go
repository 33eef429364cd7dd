// Package coordinator implements the coordinator side of the Pomegranate
// protocol: the authoritative work-unit registry, the accept/handshake
// connection manager, the per-session protocol engine, and in-order outcome
// delivery to the coordinator role.
package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/carmisergio/pomegranate"
)

// UnitState is the lifecycle state of a work unit.
type UnitState uint8

const (
	StatePending UnitState = iota
	StateDispatched
	StateAcknowledged
	StateCompleted
	StateCancelling
	StateCancelled
	StateLost
)

// String returns the state name.
func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateAcknowledged:
		return "acknowledged"
	case StateCompleted:
		return "completed"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s UnitState) terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// dispatchRecord binds a unit to the session that currently holds it and the
// sequence number under which it was last sent. It exists from dispatch
// until the unit turns terminal or the session expires; a Result or
// CancelAck from any other session is stale and discarded.
type dispatchRecord struct {
	sessionID string
	seq       uint64
}

// workUnit is the registry's record of one unit. Payload is immutable after
// creation; unit ids are never reused.
type workUnit struct {
	id      uint64
	payload []byte
	state   UnitState
	rec     *dispatchRecord

	dispatchedAt time.Time

	// outcome is set when the unit turns terminal and cleared when the
	// outcome has been handed to the delivery path.
	outcome *pomegranate.Outcome
}

// Registry is the authoritative map of unit identity to lifecycle state,
// owned by the coordinator. It is a pure state machine: no I/O, no
// callbacks. All mutation funnels through its methods behind one mutex
// (single-writer semantics per the concurrency model); callers act on the
// returned values (frames to send, hooks to emit, outcomes to deliver).
type Registry struct {
	mu    sync.Mutex
	clock clockwork.Clock

	units  map[uint64]*workUnit
	nextID uint64

	// pending is the FIFO dispatch queue in unit-id (creation) order.
	// Lost units re-enter it at their original position.
	pending []uint64

	// inFlight counts Dispatched/Acknowledged/Cancelling units per session.
	inFlight map[string]int

	// deliverNext is the id of the next unit to retire: outcomes are
	// released strictly in creation order, later finishers held back.
	deliverNext uint64

	// outbox holds ordered outcomes ready for delivery.
	outbox []*pomegranate.Outcome
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:       clock,
		units:       make(map[uint64]*workUnit),
		inFlight:    make(map[string]int),
		deliverNext: 1,
	}
}

// Create allocates the next unit id for payload and queues it for dispatch.
func (r *Registry) Create(payload []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	u := &workUnit{id: r.nextID, payload: payload, state: StatePending}
	r.units[u.id] = u
	r.pending = append(r.pending, u.id)
	return u.id
}

// PendingLen returns the number of units awaiting dispatch.
func (r *Registry) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// InFlight returns the number of units currently held by a session.
func (r *Registry) InFlight(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[sessionID]
}

// State reports a unit's current state.
func (r *Registry) State(unitID uint64) (UnitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[unitID]
	if !ok {
		return 0, false
	}
	return u.state, true
}

// Dispatch pops the oldest pending unit and binds it to sessionID. The
// sequence number is allocated through nextSeq only after a unit is known to
// exist, so an empty queue never burns a sequence number (a sequence gap
// would stall the worker's in-order delivery forever). It returns ok=false
// when nothing is pending.
func (r *Registry) Dispatch(sessionID string, nextSeq func() uint64) (unitID uint64, payload []byte, seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return 0, nil, 0, false
	}
	unitID = r.pending[0]
	r.pending = r.pending[1:]
	seq = nextSeq()

	u := r.units[unitID]
	u.state = StateDispatched
	u.rec = &dispatchRecord{sessionID: sessionID, seq: seq}
	u.dispatchedAt = r.clock.Now()
	r.inFlight[sessionID]++
	return unitID, u.payload, seq, true
}

// Acknowledge marks a dispatched unit as received by its worker. Stale or
// repeated acks are ignored; the transition is purely informational.
func (r *Registry) Acknowledge(unitID uint64, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unitID]
	if !ok || u.state != StateDispatched || u.rec == nil || u.rec.sessionID != sessionID {
		return false
	}
	u.state = StateAcknowledged
	return true
}

// Complete records a worker's result for a unit. A result from a session
// that no longer holds the unit is stale and reports stale=true; the caller
// still acknowledges the message but discards the content. elapsed is the
// dispatch-to-completion time for the hook layer.
//
// A Result can legitimately arrive while the unit is still Dispatched (the
// DispatchAck is not retransmittable and may have been lost) or Cancelling
// (the result won the cancellation race); both complete the unit.
func (r *Registry) Complete(unitID uint64, sessionID string, result []byte, appErr string) (elapsed time.Duration, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unitID]
	if !ok || u.state.terminal() {
		return 0, true
	}
	if u.rec == nil || u.rec.sessionID != sessionID {
		return 0, true
	}

	elapsed = r.clock.Now().Sub(u.dispatchedAt)
	r.retire(u, &pomegranate.Outcome{
		UnitID:   unitID,
		Kind:     pomegranate.OutcomeCompleted,
		Result:   result,
		AppError: appErr,
	})
	return elapsed, false
}

// CancelRequest starts cancellation of a unit on behalf of the coordinator
// role. For a Pending unit the cancellation is immediate. For a unit held by
// a worker it returns send=true and the session to notify; the terminal
// Cancelled state is then reached on CancelAck or session expiry.
func (r *Registry) CancelRequest(unitID uint64) (sessionID string, send bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unitID]
	if !ok {
		return "", false, pomegranate.ErrUnitNotFound
	}

	switch u.state {
	case StatePending:
		r.dropPending(unitID)
		r.retire(u, &pomegranate.Outcome{
			UnitID: unitID,
			Kind:   pomegranate.OutcomeCancelled,
			Reason: pomegranate.CancelRequested,
		})
		return "", false, nil
	case StateDispatched, StateAcknowledged:
		u.state = StateCancelling
		return u.rec.sessionID, true, nil
	case StateCancelling:
		return "", false, nil
	default:
		return "", false, pomegranate.ErrUnitTerminal
	}
}

// CancelConfirmed finishes cancellation of a unit, either on a CancelAck or
// on a worker-initiated Cancel. Terminal units are left untouched: the
// result may have won the race, and a unit gets exactly one outcome. Stale
// sessions are ignored.
func (r *Registry) CancelConfirmed(unitID uint64, sessionID string, reason pomegranate.CancelReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unitID]
	if !ok || u.state.terminal() {
		return false
	}
	if u.rec == nil || u.rec.sessionID != sessionID {
		return false
	}

	r.retire(u, &pomegranate.Outcome{
		UnitID: unitID,
		Kind:   pomegranate.OutcomeCancelled,
		Reason: reason,
	})
	return true
}

// ReleaseSession handles session expiry: every Dispatched/Acknowledged unit
// bound to the session is marked Lost and re-enters the pending queue in
// creation order for redispatch; Cancelling units terminate as Cancelled.
// It returns the ids of the lost (requeued) units.
func (r *Registry) ReleaseSession(sessionID string) (lost []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.units {
		if u.rec == nil || u.rec.sessionID != sessionID {
			continue
		}
		switch u.state {
		case StateDispatched, StateAcknowledged:
			u.state = StateLost
			u.rec = nil
			lost = append(lost, u.id)
		case StateCancelling:
			r.retire(u, &pomegranate.Outcome{
				UnitID: u.id,
				Kind:   pomegranate.OutcomeCancelled,
				Reason: pomegranate.CancelSessionExpired,
			})
		}
	}
	delete(r.inFlight, sessionID)

	// Lost units re-enter Pending at their creation-order position.
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	for _, id := range lost {
		r.units[id].state = StatePending
	}
	r.pending = append(r.pending, lost...)
	sort.Slice(r.pending, func(i, j int) bool { return r.pending[i] < r.pending[j] })

	return lost
}

// TakeOutcomes drains the ordered outcome queue. The caller must preserve
// the returned order when delivering to the coordinator role.
func (r *Registry) TakeOutcomes() []*pomegranate.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.outbox
	r.outbox = nil
	return out
}

// retire moves a unit to its terminal state and releases everything ready
// for in-order delivery. Caller holds r.mu.
func (r *Registry) retire(u *workUnit, o *pomegranate.Outcome) {
	if o.Kind == pomegranate.OutcomeCompleted {
		u.state = StateCompleted
	} else {
		u.state = StateCancelled
	}
	if u.rec != nil {
		r.inFlight[u.rec.sessionID]--
		u.rec = nil
	}
	u.outcome = o

	// Release outcomes in creation order: hold later finishers until every
	// earlier unit is terminal, then purge delivered units.
	for {
		next, ok := r.units[r.deliverNext]
		if !ok || next.outcome == nil {
			break
		}
		r.outbox = append(r.outbox, next.outcome)
		delete(r.units, r.deliverNext)
		r.deliverNext++
	}
}

// dropPending removes unitID from the pending queue. Caller holds r.mu.
func (r *Registry) dropPending(unitID uint64) {
	for i, id := range r.pending {
		if id == unitID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}
