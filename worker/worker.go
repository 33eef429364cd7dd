// Package worker implements the worker side of the Pomegranate protocol: a
// reconnect loop that dials the coordinator, establishes or resumes a
// session, runs the application handler over dispatched units with bounded
// concurrency, and reports results and cancellations back over the
// retransmittable stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/backoff"
	"github.com/carmisergio/pomegranate/id"
	"github.com/carmisergio/pomegranate/session"
	"github.com/carmisergio/pomegranate/transport"
	"github.com/carmisergio/pomegranate/wire"
)

// Worker connects to a coordinator and processes dispatched units with the
// application handler. A Worker survives connection loss: it keeps its
// session, reconnects with backoff, and replays unacknowledged results on
// resume. Only a coordinator-side session expiry forces a clean restart.
type Worker struct {
	handler  pomegranate.Handler
	dialer   transport.Dialer
	cfg      pomegranate.Config
	logger   *slog.Logger
	clock    clockwork.Clock
	strategy backoff.Strategy

	workerID string

	// writeMu serializes sequence allocation, unacked recording, and the
	// wire write so buffer order always matches wire order.
	writeMu sync.Mutex

	mu        sync.Mutex
	sess      *session.Session
	sessionID string
	conn      transport.Conn
	exec      *executor

	// Heartbeat parameters, dictated by the coordinator's HelloAck.
	hbInterval time.Duration
	hbMult     int
}

// New creates a Worker running handler. A dialer must be supplied with
// WithDialer.
func New(handler pomegranate.Handler, opts ...Option) *Worker {
	w := &Worker{
		handler:  handler,
		cfg:      pomegranate.DefaultConfig(),
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		workerID: id.NewWorkerID().String(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.hbInterval = w.cfg.HeartbeatInterval
	w.hbMult = w.cfg.LivenessMultiplier
	w.exec = w.newExecutor()
	return w
}

func (w *Worker) newExecutor() *executor {
	e := newExecutor(w.handler, w.cfg.MaxUnitsInFlight, w.logger)
	e.onResult = w.reportResult
	e.onCancelled = w.reportCancelled
	return e
}

// ID returns the worker's identity, sent in every Hello.
func (w *Worker) ID() string { return w.workerID }

// SessionID returns the current session id, or "" before the first
// handshake (and after a clean restart).
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// reconnectTimer is the delay source the reconnect loop drives: Next before
// each redial, Reset after a successful handshake.
type reconnectTimer interface {
	Next() time.Duration
	Reset()
}

// Run dials the coordinator and processes units until ctx is cancelled.
// Connection loss is handled internally with backoff; Run only returns on
// ctx cancellation or a configuration error.
func (w *Worker) Run(ctx context.Context) error {
	if w.dialer == nil {
		return errors.New("worker: no dialer configured")
	}

	var timer reconnectTimer = backoff.NewTimer(w.cfg.ReconnectInitial, w.cfg.ReconnectMax, w.cfg.ReconnectFlat)
	if w.strategy != nil {
		timer = backoff.NewRetry(w.strategy)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := w.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Debug("dial failed", slog.String("error", err.Error()))
			if !w.sleep(ctx, timer.Next()) {
				return nil
			}
			continue
		}

		err = w.runConn(ctx, conn, timer)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Debug("connection ended", slog.String("error", err.Error()))
		}
		if errors.Is(err, pomegranate.ErrHandshakeRejected) {
			// The old session is gone; reconnect immediately with a fresh
			// one instead of backing off.
			timer.Reset()
			continue
		}
		if !w.sleep(ctx, timer.Next()) {
			return nil
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

// runConn performs the handshake and then serves one connection until it
// dies. The session outlives the connection unless the coordinator rejects
// the resume.
func (w *Worker) runConn(ctx context.Context, conn transport.Conn, timer reconnectTimer) error {
	defer conn.Close()
	// Shutdown unblocks the read loop by closing the connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := wire.NewDecoder(conn, w.cfg.MaxFrameSize)

	w.mu.Lock()
	sess := w.sess
	sid := w.sessionID
	w.mu.Unlock()

	hello := &wire.Hello{
		WorkerID:         w.workerID,
		MaxUnitsInFlight: w.cfg.MaxUnitsInFlight,
	}
	var seq uint64
	if sess != nil {
		hello.Resume = true
		hello.Ack = sess.CumulativeAck()
		seq = sess.LastSeq()
	}
	hf, err := wire.NewFrame(wire.KindHello, sid, seq, hello)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, hf); err != nil {
		return err
	}

	// The HelloAck must arrive within the liveness timeout.
	guard := w.clock.AfterFunc(w.cfg.LivenessTimeout(), func() { conn.Close() })
	f, err := dec.Next()
	guard.Stop()
	if err != nil {
		return err
	}
	if f.Kind != wire.KindHelloAck {
		return fmt.Errorf("%w: expected hello_ack, got %s", pomegranate.ErrProtocolViolation, f.Kind)
	}
	var ack wire.HelloAck
	if err := f.DecodeBody(&ack); err != nil {
		return err
	}

	switch ack.Status {
	case wire.HelloAccepted:
	case wire.HelloRejected:
		w.logger.Warn("session rejected, restarting clean",
			slog.String("session", sid),
			slog.String("reason", ack.Reason),
		)
		w.restartClean()
		return fmt.Errorf("%w: %s", pomegranate.ErrHandshakeRejected, ack.Reason)
	default:
		return fmt.Errorf("%w: %s", pomegranate.ErrSessionActive, ack.Reason)
	}

	resumed := sess != nil
	if sess == nil {
		sess = session.New(ack.SessionID, session.RoleWorker, w.clock)
	}

	w.mu.Lock()
	w.sess = sess
	w.sessionID = sess.ID()
	if ack.HeartbeatInterval > 0 {
		w.hbInterval = ack.HeartbeatInterval
	}
	if ack.LivenessMultiplier > 1 {
		w.hbMult = ack.LivenessMultiplier
	}
	w.mu.Unlock()

	timer.Reset()
	sess.TouchSent()
	sess.TouchRecv()

	// Trim what the coordinator has seen, replay the rest, and only then
	// let fresh sends through.
	sess.Ack(ack.Ack)
	w.writeMu.Lock()
	replay := sess.Unacked()
	for _, rf := range replay {
		if err := wire.WriteFrame(conn, rf); err != nil {
			w.writeMu.Unlock()
			return err
		}
	}
	w.setConn(conn)
	w.writeMu.Unlock()
	defer w.clearConn(conn)

	w.logger.Info("session established",
		slog.String("session", sess.ID()),
		slog.Bool("resumed", resumed),
		slog.Int("replayed", len(replay)),
	)

	done := make(chan struct{})
	defer close(done)
	go w.heartbeatLoop(sess, conn, done)

	return w.readLoop(ctx, sess, dec)
}

// restartClean drops the session and abandons every in-flight unit. The
// coordinator has already redispatched (or will redispatch) them elsewhere.
func (w *Worker) restartClean() {
	w.mu.Lock()
	w.sess = nil
	w.sessionID = ""
	old := w.exec
	w.exec = w.newExecutor()
	w.mu.Unlock()
	old.abandon()
}

func (w *Worker) setConn(conn transport.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *Worker) clearConn(conn transport.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
}

func (w *Worker) readLoop(ctx context.Context, sess *session.Session, dec *wire.Decoder) error {
	for {
		f, err := dec.Next()
		if err != nil {
			return err
		}
		sess.TouchRecv()

		ready, dup := sess.Inbound(f)
		if dup {
			w.reack(f)
			continue
		}
		for _, rf := range ready {
			if err := w.handleFrame(ctx, sess, rf); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handleFrame(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	switch f.Kind {
	case wire.KindDispatch:
		var b wire.Dispatch
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		w.sendInfo(wire.KindDispatchAck, &wire.DispatchAck{
			UnitID: b.UnitID,
			Ack:    sess.CumulativeAck(),
		})
		w.logger.Debug("unit received", slog.Uint64("unit", b.UnitID))
		w.exec.launch(ctx, b.UnitID, b.Payload)

	case wire.KindCancel:
		var b wire.Cancel
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		// Receipt now; the settlement Cancel follows once the handler
		// stops. A unit that already produced a Result stays settled: the
		// result wins the race.
		w.sendInfo(wire.KindCancelAck, &wire.CancelAck{
			UnitID: b.UnitID,
			Reason: b.Reason,
			Ack:    sess.CumulativeAck(),
		})
		if w.exec.cancel(b.UnitID, b.Reason) {
			w.logger.Debug("unit cancelling", slog.Uint64("unit", b.UnitID))
		}

	case wire.KindResultAck:
		var b wire.ResultAck
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		w.exec.prune(b.UnitID)

	case wire.KindCancelAck:
		var b wire.CancelAck
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		w.exec.prune(b.UnitID)

	case wire.KindHeartbeat:
		// Liveness only; TouchRecv already ran.

	default:
		return fmt.Errorf("%w: unexpected %s frame", pomegranate.ErrProtocolViolation, f.Kind)
	}
	return nil
}

// reack answers a duplicate retransmittable frame with a fresh ack so the
// coordinator can trim its buffer, without reprocessing the content.
func (w *Worker) reack(f *wire.Frame) {
	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return
	}

	switch f.Kind {
	case wire.KindDispatch:
		var b wire.Dispatch
		if f.DecodeBody(&b) == nil {
			w.sendInfo(wire.KindDispatchAck, &wire.DispatchAck{
				UnitID: b.UnitID,
				Ack:    sess.CumulativeAck(),
			})
		}
	case wire.KindCancel:
		var b wire.Cancel
		if f.DecodeBody(&b) == nil {
			w.sendInfo(wire.KindCancelAck, &wire.CancelAck{
				UnitID: b.UnitID,
				Reason: b.Reason,
				Ack:    sess.CumulativeAck(),
			})
		}
	}
}

func (w *Worker) heartbeatLoop(sess *session.Session, conn transport.Conn, done <-chan struct{}) {
	w.mu.Lock()
	interval := w.hbInterval
	mult := w.hbMult
	w.mu.Unlock()
	if mult < 2 {
		mult = 2
	}
	liveness := interval * time.Duration(mult)

	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
		}

		now := w.clock.Now()
		if now.Sub(sess.LastRecv()) > liveness {
			w.logger.Debug("liveness timeout", slog.String("session", sess.ID()))
			conn.Close()
			return
		}
		if now.Sub(sess.LastSent()) >= interval {
			w.write(sess, wire.NewHeartbeat(sess.ID()))
		}
	}
}

// ── Reporting and the write path ───────────────────

func (w *Worker) reportResult(unitID uint64, result []byte, appErr string) {
	// An oversize result settles the unit as failed instead of entering the
	// retransmission buffer, where the coordinator's decoder would refuse it
	// on every delivery attempt.
	if limit := wire.MaxPayloadSize(w.cfg.MaxFrameSize); uint64(len(result)) > limit {
		w.logger.Warn("result exceeds frame limit, reporting failure",
			slog.Uint64("unit", unitID),
			slog.Int("size", len(result)),
		)
		appErr = fmt.Sprintf("result of %d bytes exceeds the %d byte frame limit", len(result), limit)
		result = nil
	}
	w.sendReliable(wire.KindResult, func(ack uint64) any {
		return &wire.Result{UnitID: unitID, Payload: result, AppError: appErr, Ack: ack}
	})
}

func (w *Worker) reportCancelled(unitID uint64, reason uint8) {
	w.sendReliable(wire.KindCancel, func(ack uint64) any {
		return &wire.Cancel{UnitID: unitID, Reason: reason, Ack: ack}
	})
}

// sendReliable records a retransmittable frame in the session buffer and
// writes it. With no connection the frame simply waits for the next resume.
func (w *Worker) sendReliable(kind wire.Kind, mk func(ack uint64) any) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return
	}

	seq := sess.NextSeq()
	f, err := wire.NewFrame(kind, sess.ID(), seq, mk(sess.CumulativeAck()))
	if err != nil {
		w.logger.Error("encode frame",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	sess.RecordUnacked(f)
	w.write(sess, f)
}

// sendInfo writes a non-retransmittable frame, stamped with the highest
// allocated sequence number.
func (w *Worker) sendInfo(kind wire.Kind, body any) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return
	}

	f, err := wire.NewFrame(kind, sess.ID(), sess.LastSeq(), body)
	if err != nil {
		w.logger.Error("encode frame",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	w.write(sess, f)
}

func (w *Worker) write(sess *session.Session, f *wire.Frame) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	if err := wire.WriteFrame(conn, f); err != nil {
		conn.Close()
		return
	}
	sess.TouchSent()
}
