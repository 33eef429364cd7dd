package pomegranate

import "context"

// Unit is the worker-side view of a dispatched work unit: identity plus an
// opaque payload. The coordinator owns the authoritative lifecycle state; a
// worker only ever holds this lightweight mirror.
type Unit struct {
	ID      uint64
	Payload []byte
}

// OutcomeKind distinguishes the two terminal fates of a unit.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// CancelReason explains why a unit was cancelled.
type CancelReason uint8

const (
	// CancelRequested means the coordinator role asked for cancellation.
	CancelRequested CancelReason = iota
	// CancelRefused means the worker declined to process the unit.
	CancelRefused
	// CancelSessionExpired means the holding session expired while the unit
	// was cancelling.
	CancelSessionExpired
)

// String returns a human-readable reason.
func (r CancelReason) String() string {
	switch r {
	case CancelRequested:
		return "requested"
	case CancelRefused:
		return "refused"
	case CancelSessionExpired:
		return "session expired"
	default:
		return "unknown"
	}
}

// Outcome is the terminal record for a unit, delivered to the coordinator
// role exactly once, in unit creation order.
type Outcome struct {
	UnitID uint64
	Kind   OutcomeKind

	// Result holds the worker's result bytes for OutcomeCompleted. A failed
	// handler still completes the unit; AppError carries its error text and
	// the role decides what a failure means.
	Result   []byte
	AppError string

	// Reason is set for OutcomeCancelled.
	Reason CancelReason
}

// Failed reports whether a completed unit's handler returned an error.
func (o *Outcome) Failed() bool { return o.AppError != "" }

// CoordinatorRole is the application logic on the coordinator side. The
// framework calls RetireUnit with each unit's terminal outcome, strictly in
// the order units were created. Payloads enter the framework through
// Coordinator.Enqueue (or through the optional Source pull model).
type CoordinatorRole interface {
	RetireUnit(ctx context.Context, o *Outcome) error
}

// Source is an optional extension of CoordinatorRole for the pull model.
// When the role implements Source, the coordinator asks it for payloads
// whenever dispatch capacity is available. NextPayload should block until a
// payload exists or the context is done.
type Source interface {
	NextPayload(ctx context.Context) ([]byte, error)
}

// Handler is the application logic on the worker side. Process receives a
// unit's payload and a context that is cancelled when the coordinator
// requests cancellation (or the worker shuts down); cancellation is
// cooperative, observed at whatever granularity the handler chooses.
//
// Returning ErrUnitCancelled acknowledges a cancellation. Any other error is
// reported to the coordinator role as a failed result, not a protocol error.
type Handler interface {
	Process(ctx context.Context, u *Unit) ([]byte, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, u *Unit) ([]byte, error)

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, u *Unit) ([]byte, error) {
	return f(ctx, u)
}
