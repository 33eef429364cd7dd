package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/hook"
	"github.com/carmisergio/pomegranate/id"
	"github.com/carmisergio/pomegranate/session"
	"github.com/carmisergio/pomegranate/transport"
	"github.com/carmisergio/pomegranate/wire"
)

// Coordinator runs the coordinator side of the protocol: it accepts worker
// connections, owns every session and the work-unit registry, dispatches
// pending units to workers with free capacity, and delivers terminal
// outcomes to the coordinator role in unit creation order.
type Coordinator struct {
	role     pomegranate.CoordinatorRole
	cfg      pomegranate.Config
	logger   *slog.Logger
	clock    clockwork.Clock
	hooks    *hook.Registry
	hookList []hook.Hook
	limiter  *rate.Limiter

	reg *Registry

	mu       sync.Mutex
	sessions map[string]*sessionSlot

	// dispatchCh and deliverCh are capacity-1 wakeup signals for the
	// dispatch pump and the outcome delivery loop.
	dispatchCh chan struct{}
	deliverCh  chan struct{}
}

// sessionSlot is the coordinator's per-session runtime state: the durable
// session plus whichever connection currently carries it.
type sessionSlot struct {
	sess        *session.Session
	workerID    string
	maxInFlight int

	// writeMu serializes sequence allocation, unacked recording, and the
	// wire write so buffer order always matches wire order.
	writeMu sync.Mutex

	// conn, state, and expire are guarded by Coordinator.mu. conn is nil
	// while the session is suspended.
	conn   transport.Conn
	state  session.ConnState
	expire clockwork.Timer
}

// New creates a Coordinator for the given role.
func New(role pomegranate.CoordinatorRole, opts ...Option) *Coordinator {
	c := &Coordinator{
		role:       role,
		cfg:        pomegranate.DefaultConfig(),
		logger:     slog.Default(),
		clock:      clockwork.NewRealClock(),
		sessions:   make(map[string]*sessionSlot),
		dispatchCh: make(chan struct{}, 1),
		deliverCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hooks = hook.NewRegistry(c.logger)
	for _, h := range c.hookList {
		c.hooks.Register(h)
	}
	c.reg = NewRegistry(c.clock)
	return c
}

// Enqueue creates a work unit for payload and queues it for dispatch. It
// returns the unit id the terminal outcome will carry. A payload too large
// for the configured frame size is rejected with ErrFrameTooLarge before a
// unit exists: framed and buffered, it would be refused by the worker's
// decoder on every delivery attempt, replay included.
func (c *Coordinator) Enqueue(payload []byte) (uint64, error) {
	if limit := wire.MaxPayloadSize(c.cfg.MaxFrameSize); uint64(len(payload)) > limit {
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds the %d byte limit",
			pomegranate.ErrFrameTooLarge, len(payload), limit)
	}
	unitID := c.reg.Create(payload)
	c.hooks.EmitUnitCreated(context.Background(), unitID)
	c.logger.Debug("unit created", slog.Uint64("unit", unitID))
	c.wakeDispatch()
	return unitID, nil
}

// Cancel requests cancellation of a unit. A pending unit cancels
// immediately; a unit held by a worker enters Cancelling and terminates on
// the worker's confirmation (or on session expiry). Cancellation of a unit
// already in a terminal state returns ErrUnitTerminal.
func (c *Coordinator) Cancel(unitID uint64) error {
	sessID, send, err := c.reg.CancelRequest(unitID)
	if err != nil {
		return err
	}
	if !send {
		c.hooks.EmitUnitCancelled(context.Background(), unitID, pomegranate.CancelRequested)
		c.wakeDeliver()
		return nil
	}

	c.mu.Lock()
	slot := c.sessions[sessID]
	c.mu.Unlock()
	if slot == nil {
		// The session expired between the state transition and here; expiry
		// already settled the unit.
		return nil
	}

	slot.writeMu.Lock()
	seq := slot.sess.NextSeq()
	f, err := wire.NewFrame(wire.KindCancel, sessID, seq, &wire.Cancel{
		UnitID: unitID,
		Reason: uint8(pomegranate.CancelRequested),
		Ack:    slot.sess.CumulativeAck(),
	})
	if err == nil {
		slot.sess.RecordUnacked(f)
		c.write(slot, f)
	}
	slot.writeMu.Unlock()
	return err
}

// ActiveSessions returns the number of sessions currently bound to a live
// connection.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, slot := range c.sessions {
		if slot.state == session.StateActive {
			n++
		}
	}
	return n
}

// Serve accepts worker connections on lis until ctx is cancelled. It runs
// the dispatch pump, the outcome delivery loop, and (when the role
// implements Source) the payload pull loop, and returns once everything has
// wound down.
func (c *Coordinator) Serve(ctx context.Context, lis transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})
	g.Go(func() error {
		c.dispatchLoop(ctx)
		return nil
	})
	g.Go(func() error {
		c.deliverLoop(ctx)
		return nil
	})
	if src, ok := c.role.(pomegranate.Source); ok {
		g.Go(func() error {
			return c.sourceLoop(ctx, src)
		})
	}
	g.Go(func() error {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("coordinator: accept: %w", err)
			}
			g.Go(func() error {
				c.handleConn(ctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	c.shutdown()
	return err
}

func (c *Coordinator) shutdown() {
	c.hooks.EmitShutdown(context.Background())
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, slot := range c.sessions {
		if slot.conn != nil {
			slot.conn.Close()
		}
		if slot.expire != nil {
			slot.expire.Stop()
		}
	}
}

// ── Connection handling ────────────────────────────

func (c *Coordinator) handleConn(ctx context.Context, conn transport.Conn) {
	// Shutdown unblocks the read loop by closing the connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := wire.NewDecoder(conn, c.cfg.MaxFrameSize)

	// The Hello must arrive within the liveness timeout or the connection
	// is abandoned.
	guard := c.clock.AfterFunc(c.cfg.LivenessTimeout(), func() { conn.Close() })
	f, err := dec.Next()
	guard.Stop()
	if err != nil {
		conn.Close()
		return
	}
	if f.Kind != wire.KindHello {
		c.logger.Warn("handshake: expected hello", slog.String("kind", f.Kind.String()))
		conn.Close()
		return
	}
	var hello wire.Hello
	if err := f.DecodeBody(&hello); err != nil {
		c.logger.Warn("handshake: bad hello body", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	slot, replay, resumed, status, reason := c.bindSession(f.SessionID, &hello, conn)
	if status != wire.HelloAccepted {
		reject, _ := wire.NewFrame(wire.KindHelloAck, f.SessionID, 0, &wire.HelloAck{
			Status: status,
			Reason: reason,
		})
		_ = wire.WriteFrame(conn, reject)
		conn.Close()
		c.logger.Info("handshake refused",
			slog.String("session", f.SessionID),
			slog.String("reason", reason),
		)
		return
	}

	sess := slot.sess

	// HelloAck first, then the retransmission buffer, before any fresh
	// dispatch traffic can interleave.
	slot.writeMu.Lock()
	ack, _ := wire.NewFrame(wire.KindHelloAck, sess.ID(), sess.LastSeq(), &wire.HelloAck{
		Status:             wire.HelloAccepted,
		SessionID:          sess.ID(),
		Ack:                sess.CumulativeAck(),
		HeartbeatInterval:  c.cfg.HeartbeatInterval,
		LivenessMultiplier: c.cfg.LivenessMultiplier,
	})
	err = wire.WriteFrame(conn, ack)
	for _, rf := range replay {
		if err != nil {
			break
		}
		err = wire.WriteFrame(conn, rf)
	}
	slot.writeMu.Unlock()
	if err != nil {
		c.suspend(slot, conn)
		return
	}
	sess.TouchSent()
	sess.TouchRecv()
	c.activate(slot, conn)

	if resumed {
		c.hooks.EmitSessionResumed(ctx, sess.ID(), len(replay))
		c.logger.Info("session resumed",
			slog.String("session", sess.ID()),
			slog.Int("replayed", len(replay)),
		)
	} else {
		c.hooks.EmitSessionOpened(ctx, sess.ID(), slot.workerID)
		c.logger.Info("session opened",
			slog.String("session", sess.ID()),
			slog.String("worker", slot.workerID),
		)
	}
	c.wakeDispatch()

	done := make(chan struct{})
	defer close(done)
	go c.heartbeatLoop(slot, conn, done)

	c.readLoop(ctx, slot, conn, dec)
}

// bindSession resolves a Hello into a session slot: a fresh session for a
// zero session id, a rebind for a suspended one. Rejections never disturb
// existing sessions.
func (c *Coordinator) bindSession(sessionID string, hello *wire.Hello, conn transport.Conn) (slot *sessionSlot, replay []*wire.Frame, resumed bool, status wire.HelloStatus, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID == "" {
		sid := id.NewSessionID().String()
		maxInFlight := c.cfg.MaxUnitsInFlight
		if hello.MaxUnitsInFlight > 0 && hello.MaxUnitsInFlight < maxInFlight {
			maxInFlight = hello.MaxUnitsInFlight
		}
		slot = &sessionSlot{
			sess:        session.New(sid, session.RoleCoordinator, c.clock),
			workerID:    hello.WorkerID,
			maxInFlight: maxInFlight,
			conn:        conn,
			state:       session.StateHandshaking,
		}
		c.sessions[sid] = slot
		return slot, nil, false, wire.HelloAccepted, ""
	}

	slot, ok := c.sessions[sessionID]
	if !ok {
		return nil, nil, false, wire.HelloRejected, "unknown or expired session"
	}
	if slot.conn != nil {
		return nil, nil, false, wire.HelloConflict, "session bound to a live connection"
	}

	if slot.expire != nil {
		slot.expire.Stop()
		slot.expire = nil
	}
	// Trim everything the worker already has, replay the rest.
	slot.sess.Ack(hello.Ack)
	replay = slot.sess.Unacked()
	slot.conn = conn
	slot.state = session.StateHandshaking
	return slot, replay, true, wire.HelloAccepted, ""
}

func (c *Coordinator) activate(slot *sessionSlot, conn transport.Conn) {
	c.mu.Lock()
	if slot.conn == conn {
		slot.state = session.StateActive
	}
	c.mu.Unlock()
}

// suspend detaches conn from its session and arms the grace timer. The
// session survives; its unacked buffer waits for a resume.
func (c *Coordinator) suspend(slot *sessionSlot, conn transport.Conn) {
	c.mu.Lock()
	if slot.conn != conn {
		// Already rebound to a newer connection.
		c.mu.Unlock()
		conn.Close()
		return
	}
	slot.conn = nil
	slot.state = session.StateSuspended
	slot.expire = c.clock.AfterFunc(c.cfg.SessionGracePeriod, func() { c.expireSession(slot) })
	c.mu.Unlock()

	conn.Close()
	c.hooks.EmitSessionSuspended(context.Background(), slot.sess.ID())
	c.logger.Info("session suspended", slog.String("session", slot.sess.ID()))
}

// expireSession fires when the grace period elapses with no resume: the
// session is forgotten, its in-flight units are redispatched, and any
// cancelling units settle as cancelled.
func (c *Coordinator) expireSession(slot *sessionSlot) {
	c.mu.Lock()
	if slot.state != session.StateSuspended {
		c.mu.Unlock()
		return
	}
	slot.state = session.StateExpired
	delete(c.sessions, slot.sess.ID())
	c.mu.Unlock()

	ctx := context.Background()
	sid := slot.sess.ID()
	lost := c.reg.ReleaseSession(sid)
	for _, unitID := range lost {
		c.hooks.EmitUnitLost(ctx, unitID, sid)
	}
	c.hooks.EmitSessionExpired(ctx, sid, len(lost))
	c.logger.Warn("session expired",
		slog.String("session", sid),
		slog.Int("lost_units", len(lost)),
	)
	c.wakeDeliver()
	c.wakeDispatch()
}

func (c *Coordinator) readLoop(ctx context.Context, slot *sessionSlot, conn transport.Conn, dec *wire.Decoder) {
	for {
		f, err := dec.Next()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("connection lost",
					slog.String("session", slot.sess.ID()),
					slog.String("error", err.Error()),
				)
			}
			c.suspend(slot, conn)
			return
		}
		slot.sess.TouchRecv()

		ready, dup := slot.sess.Inbound(f)
		if dup {
			c.reack(slot, f)
			continue
		}
		for _, rf := range ready {
			if err := c.handleFrame(ctx, slot, rf); err != nil {
				c.logger.Warn("protocol violation",
					slog.String("session", slot.sess.ID()),
					slog.String("error", err.Error()),
				)
				c.suspend(slot, conn)
				return
			}
		}
	}
}

func (c *Coordinator) handleFrame(ctx context.Context, slot *sessionSlot, f *wire.Frame) error {
	sess := slot.sess
	sid := sess.ID()

	switch f.Kind {
	case wire.KindDispatchAck:
		var b wire.DispatchAck
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		if c.reg.Acknowledge(b.UnitID, sid) {
			c.hooks.EmitUnitAcknowledged(ctx, b.UnitID, sid)
		}

	case wire.KindResult:
		var b wire.Result
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		elapsed, stale := c.reg.Complete(b.UnitID, sid, b.Payload, b.AppError)
		c.sendInfo(slot, wire.KindResultAck, &wire.ResultAck{
			UnitID: b.UnitID,
			Ack:    sess.CumulativeAck(),
		})
		if stale {
			c.logger.Debug("stale result discarded",
				slog.Uint64("unit", b.UnitID),
				slog.String("session", sid),
			)
			return nil
		}
		c.hooks.EmitUnitCompleted(ctx, b.UnitID, elapsed)
		c.logger.Debug("unit completed", slog.Uint64("unit", b.UnitID))
		c.wakeDeliver()
		c.wakeDispatch()

	case wire.KindCancel:
		// The worker settled a unit as cancelled, either confirming our
		// request or refusing the unit on its own.
		var b wire.Cancel
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)
		settled := c.reg.CancelConfirmed(b.UnitID, sid, pomegranate.CancelReason(b.Reason))
		c.sendInfo(slot, wire.KindCancelAck, &wire.CancelAck{
			UnitID: b.UnitID,
			Reason: b.Reason,
			Ack:    sess.CumulativeAck(),
		})
		if settled {
			c.hooks.EmitUnitCancelled(ctx, b.UnitID, pomegranate.CancelReason(b.Reason))
			c.wakeDeliver()
			c.wakeDispatch()
		}

	case wire.KindCancelAck:
		// Receipt of our Cancel; the semantic confirmation is the worker's
		// own Cancel frame, which is retransmittable and survives
		// reconnects where a bare ack would not.
		var b wire.CancelAck
		if err := f.DecodeBody(&b); err != nil {
			return err
		}
		sess.Ack(b.Ack)

	case wire.KindHeartbeat:
		// Liveness only; TouchRecv already ran.

	default:
		return fmt.Errorf("%w: unexpected %s frame", pomegranate.ErrProtocolViolation, f.Kind)
	}
	return nil
}

// reack answers a duplicate retransmittable frame with a fresh ack so the
// peer can trim its buffer, without reprocessing the content.
func (c *Coordinator) reack(slot *sessionSlot, f *wire.Frame) {
	switch f.Kind {
	case wire.KindResult:
		var b wire.Result
		if f.DecodeBody(&b) == nil {
			c.sendInfo(slot, wire.KindResultAck, &wire.ResultAck{
				UnitID: b.UnitID,
				Ack:    slot.sess.CumulativeAck(),
			})
		}
	case wire.KindCancel:
		var b wire.Cancel
		if f.DecodeBody(&b) == nil {
			c.sendInfo(slot, wire.KindCancelAck, &wire.CancelAck{
				UnitID: b.UnitID,
				Reason: b.Reason,
				Ack:    slot.sess.CumulativeAck(),
			})
		}
	}
}

// heartbeatLoop keeps the connection warm and enforces liveness: a
// heartbeat goes out when the link has been send-idle for a full interval,
// and the connection is torn down when nothing has arrived within the
// liveness timeout. Suspension is then handled by the read loop.
func (c *Coordinator) heartbeatLoop(slot *sessionSlot, conn transport.Conn, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
		}

		now := c.clock.Now()
		if now.Sub(slot.sess.LastRecv()) > c.cfg.LivenessTimeout() {
			c.logger.Debug("liveness timeout", slog.String("session", slot.sess.ID()))
			conn.Close()
			return
		}
		if now.Sub(slot.sess.LastSent()) >= c.cfg.HeartbeatInterval {
			c.write(slot, wire.NewHeartbeat(slot.sess.ID()))
		}
	}
}

// ── Dispatch pump ──────────────────────────────────

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dispatchCh:
		}
		c.pump(ctx)
	}
}

// pump drains the pending queue into sessions with free capacity, oldest
// unit first, most free capacity first.
func (c *Coordinator) pump(ctx context.Context) {
	for {
		if c.reg.PendingLen() == 0 {
			return
		}
		slot := c.pickSession()
		if slot == nil {
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if !c.dispatchTo(ctx, slot) {
			return
		}
	}
}

func (c *Coordinator) pickSession() *sessionSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *sessionSlot
	bestFree := 0
	for _, slot := range c.sessions {
		if slot.state != session.StateActive {
			continue
		}
		free := slot.maxInFlight - c.reg.InFlight(slot.sess.ID())
		if free > bestFree {
			best, bestFree = slot, free
		}
	}
	return best
}

func (c *Coordinator) dispatchTo(ctx context.Context, slot *sessionSlot) bool {
	sess := slot.sess

	slot.writeMu.Lock()
	unitID, payload, seq, ok := c.reg.Dispatch(sess.ID(), sess.NextSeq)
	if !ok {
		slot.writeMu.Unlock()
		return false
	}
	f, err := wire.NewFrame(wire.KindDispatch, sess.ID(), seq, &wire.Dispatch{
		UnitID:  unitID,
		Payload: payload,
		Ack:     sess.CumulativeAck(),
	})
	if err != nil {
		slot.writeMu.Unlock()
		c.logger.Error("encode dispatch", slog.String("error", err.Error()))
		return false
	}
	sess.RecordUnacked(f)
	c.write(slot, f)
	slot.writeMu.Unlock()

	c.hooks.EmitUnitDispatched(ctx, unitID, sess.ID())
	c.logger.Debug("unit dispatched",
		slog.Uint64("unit", unitID),
		slog.String("session", sess.ID()),
	)
	return true
}

// ── Delivery and sourcing ──────────────────────────

func (c *Coordinator) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.deliverCh:
		}
		for _, o := range c.reg.TakeOutcomes() {
			if err := c.role.RetireUnit(ctx, o); err != nil {
				c.logger.Warn("role rejected outcome",
					slog.Uint64("unit", o.UnitID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (c *Coordinator) sourceLoop(ctx context.Context, src pomegranate.Source) error {
	for {
		payload, err := src.NextPayload(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("coordinator: source: %w", err)
		}
		if _, err := c.Enqueue(payload); err != nil {
			c.logger.Warn("source payload rejected", slog.String("error", err.Error()))
		}
	}
}

// ── Write path ─────────────────────────────────────

// sendInfo writes a non-retransmittable frame, stamped with the highest
// allocated sequence number.
func (c *Coordinator) sendInfo(slot *sessionSlot, kind wire.Kind, body any) {
	f, err := wire.NewFrame(kind, slot.sess.ID(), slot.sess.LastSeq(), body)
	if err != nil {
		c.logger.Error("encode frame",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.write(slot, f)
}

// write puts a frame on the session's current connection. A suspended
// session silently drops the write: retransmittable frames wait in the
// unacked buffer for the next resume, everything else is recoverable by
// later traffic.
func (c *Coordinator) write(slot *sessionSlot, f *wire.Frame) {
	c.mu.Lock()
	conn := slot.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := wire.WriteFrame(conn, f); err != nil {
		conn.Close()
		return
	}
	slot.sess.TouchSent()
}

func (c *Coordinator) wakeDispatch() {
	select {
	case c.dispatchCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) wakeDeliver() {
	select {
	case c.deliverCh <- struct{}{}:
	default:
	}
}
