// Package session implements the durable, reconnection-spanning endpoint
// state of a coordinator↔worker link: sequence counters, the retransmission
// buffer, cumulative acknowledgment, duplicate suppression, and heartbeat
// timestamps.
//
// A Session outlives any single connection. The connection managers rebind a
// session to each fresh stream and replay its unacked buffer; the session
// itself never touches I/O.
package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/carmisergio/pomegranate/wire"
)

// Role tags which end of the link a session instance lives on.
type Role uint8

const (
	RoleCoordinator Role = iota
	RoleWorker
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleCoordinator {
		return "coordinator"
	}
	return "worker"
}

// ConnState is the observable state of the connection slot bound to a
// session.
type ConnState string

const (
	StateConnecting  ConnState = "connecting"
	StateHandshaking ConnState = "handshaking"
	StateActive      ConnState = "active"
	StateSuspended   ConnState = "suspended"
	StateExpired     ConnState = "expired"
)

// Session is the per-peer protocol bookkeeping. All methods are safe for
// concurrent use; in practice only the owning connection path mutates it.
type Session struct {
	id    string
	role  Role
	clock clockwork.Clock

	mu sync.Mutex

	// nextSeq is the next outbound sequence number for retransmittable
	// frames. Sequence numbers are unique and increasing for the session's
	// whole lifetime, across reconnects.
	nextSeq uint64

	// lastInbound is the highest inbound retransmittable sequence number
	// processed. Anything ≤ lastInbound is a duplicate.
	lastInbound uint64

	// unacked holds sent-but-unacknowledged frames in sequence order.
	unacked []*wire.Frame

	// held buffers out-of-order inbound frames until the gap fills.
	held map[uint64]*wire.Frame

	lastSent time.Time
	lastRecv time.Time
}

// New creates a session. The id is the fixed-width session TypeID string.
func New(id string, role Role, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &Session{
		id:       id,
		role:     role,
		clock:    clock,
		held:     make(map[uint64]*wire.Frame),
		lastSent: now,
		lastRecv: now,
	}
}

// ID returns the session id string.
func (s *Session) ID() string { return s.id }

// Role returns which end of the link this session lives on.
func (s *Session) Role() Role { return s.role }

// NextSeq allocates the next outbound sequence number.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

// LastSeq returns the highest sequence number allocated so far. Stamped on
// non-retransmittable frames so every header carries a sequence field.
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// RecordUnacked appends a sent frame to the retransmission buffer. Only
// retransmittable kinds (Dispatch, Result, Cancel) belong here; heartbeats
// and acks are never recorded.
func (s *Session) RecordUnacked(f *wire.Frame) {
	if !f.Kind.Reliable() {
		return
	}
	s.mu.Lock()
	s.unacked = append(s.unacked, f)
	s.mu.Unlock()
}

// Ack removes all buffered frames with sequence ≤ seq (cumulative ack).
// Re-acking an already-acked sequence is a no-op; acks never regress.
// It returns the number of frames released.
func (s *Session) Ack(seq uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.unacked) && s.unacked[n].Seq <= seq {
		n++
	}
	if n > 0 {
		s.unacked = s.unacked[n:]
	}
	return n
}

// Unacked returns the retransmission buffer in original sequence order.
// The connection manager replays exactly this, before any new traffic, when
// the session is rebound to a fresh stream.
func (s *Session) Unacked() []*wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Frame, len(s.unacked))
	copy(out, s.unacked)
	return out
}

// UnackedLen returns the retransmission buffer size.
func (s *Session) UnackedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

// CumulativeAck returns the highest inbound sequence processed, the value
// piggybacked as the Ack field on all outbound traffic.
func (s *Session) CumulativeAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInbound
}

// Inbound runs duplicate suppression and in-order delivery for one received
// frame. The returned slice holds the frames now ready to process, in
// sequence order (the gap may have just been filled). dup reports a frame at
// or below the cumulative ack: the caller must re-acknowledge it but not
// process it.
//
// Non-retransmittable frames bypass sequencing and are always ready.
func (s *Session) Inbound(f *wire.Frame) (ready []*wire.Frame, dup bool) {
	if !f.Kind.Reliable() {
		return []*wire.Frame{f}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case f.Seq <= s.lastInbound:
		return nil, true
	case f.Seq == s.lastInbound+1:
		s.lastInbound = f.Seq
		ready = append(ready, f)
		// Drain any held frames that are now in order.
		for {
			next, ok := s.held[s.lastInbound+1]
			if !ok {
				break
			}
			delete(s.held, s.lastInbound+1)
			s.lastInbound++
			ready = append(ready, next)
		}
		return ready, false
	default:
		// Out of order: hold until the gap fills.
		s.held[f.Seq] = f
		return nil, false
	}
}

// HeldLen returns the number of out-of-order frames currently held.
func (s *Session) HeldLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// TouchSent records that a frame was just written.
func (s *Session) TouchSent() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastSent = now
	s.mu.Unlock()
}

// TouchRecv records that a frame was just received.
func (s *Session) TouchRecv() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastRecv = now
	s.mu.Unlock()
}

// LastSent returns the timestamp of the most recent outbound frame.
func (s *Session) LastSent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// LastRecv returns the timestamp of the most recent inbound frame.
func (s *Session) LastRecv() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}
