// Package wire implements the Pomegranate wire protocol: length-prefixed
// binary frames carrying a fixed header (kind, session id, sequence number,
// body length) and a msgpack-encoded kind-specific body.
//
// The codec is stateless. Frame-level decoding is resumable across partial
// reads (Decoder / Unmarshal); anything that cannot be a valid frame is
// reported as malformed, which tears down the connection but never the
// session.
package wire

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/carmisergio/pomegranate/id"
)

// Kind identifies the message category.
type Kind uint8

// Message kinds. Dispatch, Result, and Cancel are the retransmittable kinds:
// they consume sequence numbers and live in the session's unacked buffer
// until cumulatively acknowledged. Ack kinds and handshake frames carry
// cumulative state instead, so their loss is recovered by later traffic,
// exactly as pure ACK segments consume no sequence space in TCP.
const (
	KindHello Kind = iota + 1
	KindHelloAck
	KindDispatch
	KindDispatchAck
	KindResult
	KindResultAck
	KindCancel
	KindCancelAck
	KindHeartbeat
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello_ack"
	case KindDispatch:
		return "dispatch"
	case KindDispatchAck:
		return "dispatch_ack"
	case KindResult:
		return "result"
	case KindResultAck:
		return "result_ack"
	case KindCancel:
		return "cancel"
	case KindCancelAck:
		return "cancel_ack"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reliable reports whether frames of this kind are recorded in the unacked
// buffer and replayed on session resume.
func (k Kind) Reliable() bool {
	return k == KindDispatch || k == KindResult || k == KindCancel
}

func (k Kind) valid() bool {
	return k >= KindHello && k <= KindHeartbeat
}

// SessionIDWireLen is the fixed width of the session id header field: the
// string form of a "sess"-prefixed TypeID. An all-zero field means "no
// session yet" (a new-session Hello).
const SessionIDWireLen = len(id.PrefixSession) + 1 + id.SuffixLen

// Frame is one protocol message: the fixed header plus the raw msgpack body.
type Frame struct {
	Kind      Kind
	SessionID string // empty for a new-session Hello
	Seq       uint64
	Body      []byte
}

// ── Kind-specific bodies ───────────────────────────
//
// Every body carries an Ack field: the sender's cumulative acknowledgment of
// the peer's retransmittable stream, piggybacked on all traffic.

// Hello opens or resumes a session. The header's session id field is zero
// for a new session and carries the persisted id on resume.
type Hello struct {
	WorkerID string `msgpack:"worker_id"`
	Resume   bool   `msgpack:"resume"`
	Ack      uint64 `msgpack:"ack"`
	// MaxUnitsInFlight advertises the worker's concurrent unit limit.
	MaxUnitsInFlight int `msgpack:"max_units_in_flight"`
}

// HelloStatus is the coordinator's verdict on a Hello.
type HelloStatus uint8

const (
	// HelloAccepted means the session was created or resumed.
	HelloAccepted HelloStatus = iota
	// HelloRejected means the resume was refused (unknown or expired
	// session id); the worker must restart clean with a new session.
	HelloRejected
	// HelloConflict means the session is already bound to a live
	// connection; a protocol violation by the second connection.
	HelloConflict
)

// HelloAck answers a Hello.
type HelloAck struct {
	Status    HelloStatus `msgpack:"status"`
	SessionID string      `msgpack:"session_id"`
	Ack       uint64      `msgpack:"ack"`
	Reason    string      `msgpack:"reason,omitempty"`

	// Heartbeat parameters are dictated by the coordinator so both ends of
	// the link agree on liveness.
	HeartbeatInterval  time.Duration `msgpack:"heartbeat_interval"`
	LivenessMultiplier int           `msgpack:"liveness_multiplier"`
}

// Dispatch hands a unit to a worker.
type Dispatch struct {
	UnitID  uint64 `msgpack:"unit_id"`
	Payload []byte `msgpack:"payload"`
	Ack     uint64 `msgpack:"ack"`
}

// DispatchAck confirms receipt of a unit.
type DispatchAck struct {
	UnitID uint64 `msgpack:"unit_id"`
	Ack    uint64 `msgpack:"ack"`
}

// Result returns a processed unit. A failed handler still produces a Result:
// AppError carries the error text and the coordinator role interprets it.
type Result struct {
	UnitID   uint64 `msgpack:"unit_id"`
	Payload  []byte `msgpack:"payload"`
	AppError string `msgpack:"app_error,omitempty"`
	Ack      uint64 `msgpack:"ack"`
}

// ResultAck confirms receipt of a result.
type ResultAck struct {
	UnitID uint64 `msgpack:"unit_id"`
	Ack    uint64 `msgpack:"ack"`
}

// Cancel requests (coordinator→worker) or announces (worker→coordinator)
// cancellation of a unit.
type Cancel struct {
	UnitID uint64 `msgpack:"unit_id"`
	Reason uint8  `msgpack:"reason"`
	Ack    uint64 `msgpack:"ack"`
}

// CancelAck confirms a cancellation.
type CancelAck struct {
	UnitID uint64 `msgpack:"unit_id"`
	Reason uint8  `msgpack:"reason"`
	Ack    uint64 `msgpack:"ack"`
}

// ── Frame constructors ─────────────────────────────

// NewFrame builds a frame with a msgpack-encoded body.
func NewFrame(kind Kind, sessionID string, seq uint64, body any) (*Frame, error) {
	f := &Frame{Kind: kind, SessionID: sessionID, Seq: seq}
	if body != nil {
		raw, err := msgpack.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s body: %w", kind, err)
		}
		f.Body = raw
	}
	return f, nil
}

// NewHeartbeat builds a heartbeat frame. Heartbeats carry no sequence number
// and no body.
func NewHeartbeat(sessionID string) *Frame {
	return &Frame{Kind: KindHeartbeat, SessionID: sessionID}
}

// DecodeBody unmarshals the frame's msgpack body into dst.
func (f *Frame) DecodeBody(dst any) error {
	if err := msgpack.Unmarshal(f.Body, dst); err != nil {
		return fmt.Errorf("wire: decode %s body: %w", f.Kind, err)
	}
	return nil
}
