package coordinator_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/coordinator"
	"github.com/carmisergio/pomegranate/transport"
	"github.com/carmisergio/pomegranate/wire"
	"github.com/carmisergio/pomegranate/worker"
)

// collectRole records outcomes in delivery order and signals each one.
type collectRole struct {
	mu   sync.Mutex
	outs []*pomegranate.Outcome
	ch   chan *pomegranate.Outcome
}

func newCollectRole() *collectRole {
	return &collectRole{ch: make(chan *pomegranate.Outcome, 64)}
}

func (r *collectRole) RetireUnit(_ context.Context, o *pomegranate.Outcome) error {
	r.mu.Lock()
	r.outs = append(r.outs, o)
	r.mu.Unlock()
	r.ch <- o
	return nil
}

func (r *collectRole) order() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, len(r.outs))
	for i, o := range r.outs {
		ids[i] = o.UnitID
	}
	return ids
}

func waitOutcome(t *testing.T, r *collectRole) *pomegranate.Outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outcome")
		return nil
	}
}

func enqueue(t *testing.T, c *coordinator.Coordinator, payload []byte) uint64 {
	t.Helper()
	unitID, err := c.Enqueue(payload)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return unitID
}

// lifecycleHook signals session suspension and expiry.
type lifecycleHook struct {
	suspended chan string
	expired   chan string
}

func newLifecycleHook() *lifecycleHook {
	return &lifecycleHook{
		suspended: make(chan string, 4),
		expired:   make(chan string, 4),
	}
}

func (h *lifecycleHook) Name() string { return "lifecycle" }

func (h *lifecycleHook) OnSessionSuspended(_ context.Context, sessionID string) error {
	h.suspended <- sessionID
	return nil
}

func (h *lifecycleHook) OnSessionExpired(_ context.Context, sessionID string, _ int) error {
	h.expired <- sessionID
	return nil
}

func testConfig() pomegranate.Config {
	cfg := pomegranate.DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.LivenessMultiplier = 10
	cfg.SessionGracePeriod = 300 * time.Millisecond
	cfg.ReconnectInitial = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

// startCoordinator serves c on a fresh in-memory transport and tears it
// down with the test.
func startCoordinator(t *testing.T, c *coordinator.Coordinator) *transport.Memory {
	t.Helper()
	mem := transport.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Serve(ctx, mem); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return mem
}

func startWorker(t *testing.T, w *worker.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEndToEnd_CompleteInOrder(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	reverse := pomegranate.HandlerFunc(func(_ context.Context, u *pomegranate.Unit) ([]byte, error) {
		out := make([]byte, len(u.Payload))
		for i, b := range u.Payload {
			out[len(out)-1-i] = b
		}
		return out, nil
	})
	startWorker(t, worker.New(reverse,
		worker.WithDialer(mem),
		worker.WithConfig(testConfig()),
	))

	enqueue(t, c, []byte("abc"))
	enqueue(t, c, []byte("defg"))
	enqueue(t, c, []byte("hi"))

	want := []string{"cba", "gfed", "ih"}
	for i := 0; i < 3; i++ {
		o := waitOutcome(t, role)
		if o.UnitID != uint64(i+1) {
			t.Fatalf("outcome %d is for unit %d, want %d", i, o.UnitID, i+1)
		}
		if o.Kind != pomegranate.OutcomeCompleted || string(o.Result) != want[i] {
			t.Errorf("unit %d: kind=%v result=%q, want completed %q", o.UnitID, o.Kind, o.Result, want[i])
		}
	}
}

func TestEndToEnd_OutOfOrderCompletionDeliveredInOrder(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	// The first unit stalls until the others have finished.
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(2)
	go func() {
		finished.Wait()
		close(release)
	}()

	handler := pomegranate.HandlerFunc(func(ctx context.Context, u *pomegranate.Unit) ([]byte, error) {
		if bytes.Equal(u.Payload, []byte("slow")) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			defer finished.Done()
		}
		return u.Payload, nil
	})
	startWorker(t, worker.New(handler,
		worker.WithDialer(mem),
		worker.WithConfig(testConfig()),
	))

	enqueue(t, c, []byte("slow"))
	enqueue(t, c, []byte("fast1"))
	enqueue(t, c, []byte("fast2"))

	for i := 0; i < 3; i++ {
		waitOutcome(t, role)
	}
	got := role.order()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", got)
	}
}

func TestEndToEnd_FailedHandlerCompletesWithAppError(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	failing := pomegranate.HandlerFunc(func(_ context.Context, _ *pomegranate.Unit) ([]byte, error) {
		return nil, errors.New("bad payload")
	})
	startWorker(t, worker.New(failing,
		worker.WithDialer(mem),
		worker.WithConfig(testConfig()),
	))

	enqueue(t, c, []byte("x"))
	o := waitOutcome(t, role)
	if o.Kind != pomegranate.OutcomeCompleted {
		t.Fatalf("kind = %v, want completed", o.Kind)
	}
	if !o.Failed() || o.AppError != "bad payload" {
		t.Errorf("AppError = %q, want %q", o.AppError, "bad payload")
	}
}

func TestCancel_PendingUnit(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	startCoordinator(t, c)

	// No worker connected: the unit stays pending.
	unitID := enqueue(t, c, []byte("x"))
	if err := c.Cancel(unitID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	o := waitOutcome(t, role)
	if o.UnitID != unitID || o.Kind != pomegranate.OutcomeCancelled {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Reason != pomegranate.CancelRequested {
		t.Errorf("reason = %v, want requested", o.Reason)
	}

	if err := c.Cancel(unitID); !errors.Is(err, pomegranate.ErrUnitTerminal) {
		t.Errorf("second Cancel: err = %v, want ErrUnitTerminal", err)
	}
}

func TestCancel_RunningUnit(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	started := make(chan struct{}, 1)
	blocking := pomegranate.HandlerFunc(func(ctx context.Context, _ *pomegranate.Unit) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, pomegranate.ErrUnitCancelled
	})
	startWorker(t, worker.New(blocking,
		worker.WithDialer(mem),
		worker.WithConfig(testConfig()),
	))

	unitID := enqueue(t, c, []byte("x"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	if err := c.Cancel(unitID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	o := waitOutcome(t, role)
	if o.Kind != pomegranate.OutcomeCancelled || o.Reason != pomegranate.CancelRequested {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestEndToEnd_HandlerRefusal(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	refusing := pomegranate.HandlerFunc(func(_ context.Context, _ *pomegranate.Unit) ([]byte, error) {
		return nil, pomegranate.ErrUnitCancelled
	})
	startWorker(t, worker.New(refusing,
		worker.WithDialer(mem),
		worker.WithConfig(testConfig()),
	))

	enqueue(t, c, []byte("x"))
	o := waitOutcome(t, role)
	if o.Kind != pomegranate.OutcomeCancelled || o.Reason != pomegranate.CancelRefused {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestEnqueue_RejectsOversizePayload(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxFrameSize = 1 << 10
	c := coordinator.New(newCollectRole(), coordinator.WithConfig(cfg))

	// An oversize payload must never become a unit: framed, it could not be
	// delivered and would wedge the session it was dispatched on.
	if _, err := c.Enqueue(make([]byte, 2<<10)); !errors.Is(err, pomegranate.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}

	// A payload that fits is still accepted.
	if _, err := c.Enqueue(make([]byte, 64)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

// ── Wire-level scenarios ───────────────────────────
//
// These drive the coordinator with a hand-rolled worker so the tests can
// drop connections and forge resumes at exact protocol points.

type rawWorker struct {
	t    *testing.T
	conn transport.Conn
	dec  *wire.Decoder
}

func dialRaw(t *testing.T, mem *transport.Memory) *rawWorker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := mem.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &rawWorker{t: t, conn: conn, dec: wire.NewDecoder(conn, wire.DefaultMaxFrameSize)}
}

func (rw *rawWorker) send(kind wire.Kind, sessionID string, seq uint64, body any) {
	rw.t.Helper()
	f, err := wire.NewFrame(kind, sessionID, seq, body)
	if err != nil {
		rw.t.Fatalf("build %s: %v", kind, err)
	}
	if err := wire.WriteFrame(rw.conn, f); err != nil {
		rw.t.Fatalf("write %s: %v", kind, err)
	}
}

// next reads frames until one of the wanted kind arrives, skipping
// heartbeats and acks that are not under test.
func (rw *rawWorker) next(kind wire.Kind) *wire.Frame {
	rw.t.Helper()
	for {
		f, err := rw.dec.Next()
		if err != nil {
			rw.t.Fatalf("read: %v", err)
		}
		if f.Kind == kind {
			return f
		}
		if f.Kind == wire.KindHeartbeat || f.Kind == wire.KindResultAck ||
			f.Kind == wire.KindDispatchAck || f.Kind == wire.KindCancelAck {
			continue
		}
		rw.t.Fatalf("unexpected %s frame while waiting for %s", f.Kind, kind)
	}
}

func (rw *rawWorker) handshake(sessionID string, ack uint64) *wire.HelloAck {
	rw.t.Helper()
	rw.send(wire.KindHello, sessionID, 0, &wire.Hello{
		WorkerID:         "wkr_test",
		Resume:           sessionID != "",
		Ack:              ack,
		MaxUnitsInFlight: 4,
	})
	f := rw.next(wire.KindHelloAck)
	var ha wire.HelloAck
	if err := f.DecodeBody(&ha); err != nil {
		rw.t.Fatalf("decode hello_ack: %v", err)
	}
	return &ha
}

func TestResume_ReplaysUnackedDispatch(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	rw := dialRaw(t, mem)
	ha := rw.handshake("", 0)
	if ha.Status != wire.HelloAccepted || ha.SessionID == "" {
		t.Fatalf("hello_ack = %+v", ha)
	}
	sid := ha.SessionID

	unitID := enqueue(t, c, []byte("payload"))
	first := rw.next(wire.KindDispatch)
	if first.Seq != 1 {
		t.Fatalf("dispatch seq = %d, want 1", first.Seq)
	}

	// Drop the connection without acknowledging anything, and give the
	// coordinator a moment to notice before resuming.
	rw.conn.Close()
	time.Sleep(50 * time.Millisecond)

	rw2 := dialRaw(t, mem)
	ha2 := rw2.handshake(sid, 0)
	if ha2.Status != wire.HelloAccepted {
		t.Fatalf("resume refused: %+v", ha2)
	}

	// The unacked dispatch is replayed with its original sequence number.
	replayed := rw2.next(wire.KindDispatch)
	if replayed.Seq != first.Seq {
		t.Fatalf("replayed seq = %d, want %d", replayed.Seq, first.Seq)
	}
	var d wire.Dispatch
	if err := replayed.DecodeBody(&d); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if d.UnitID != unitID || string(d.Payload) != "payload" {
		t.Fatalf("dispatch = %+v", d)
	}

	// Finish the unit over the resumed stream.
	rw2.send(wire.KindResult, sid, 1, &wire.Result{
		UnitID:  unitID,
		Payload: []byte("done"),
		Ack:     replayed.Seq,
	})
	o := waitOutcome(t, role)
	if o.UnitID != unitID || string(o.Result) != "done" {
		t.Fatalf("outcome = %+v", o)
	}
	rw2.conn.Close()
}

func TestResume_TrimsAcknowledgedFrames(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	rw := dialRaw(t, mem)
	sid := rw.handshake("", 0).SessionID

	enqueue(t, c, []byte("a"))
	enqueue(t, c, []byte("b"))
	d1 := rw.next(wire.KindDispatch)
	d2 := rw.next(wire.KindDispatch)
	rw.conn.Close()
	time.Sleep(50 * time.Millisecond)

	// The resume Hello acknowledges the first dispatch: only the second
	// may be replayed.
	rw2 := dialRaw(t, mem)
	ha := rw2.handshake(sid, d1.Seq)
	if ha.Status != wire.HelloAccepted {
		t.Fatalf("resume refused: %+v", ha)
	}
	replayed := rw2.next(wire.KindDispatch)
	if replayed.Seq != d2.Seq {
		t.Fatalf("replayed seq = %d, want %d", replayed.Seq, d2.Seq)
	}
	rw2.conn.Close()
}

func TestExpiry_RedispatchesToNewSession(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	rw := dialRaw(t, mem)
	sid := rw.handshake("", 0).SessionID

	unitID := enqueue(t, c, []byte("x"))
	d := rw.next(wire.KindDispatch)
	rw.send(wire.KindDispatchAck, sid, 0, &wire.DispatchAck{UnitID: unitID, Ack: d.Seq})

	// Die and stay away past the grace period.
	rw.conn.Close()
	time.Sleep(600 * time.Millisecond)

	// The old session is gone.
	rwOld := dialRaw(t, mem)
	if ha := rwOld.handshake(sid, 0); ha.Status != wire.HelloRejected {
		t.Fatalf("expired resume status = %v, want rejected", ha.Status)
	}
	rwOld.conn.Close()

	// A fresh session picks the unit back up.
	rw2 := dialRaw(t, mem)
	sid2 := rw2.handshake("", 0).SessionID
	red := rw2.next(wire.KindDispatch)
	var db wire.Dispatch
	if err := red.DecodeBody(&db); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if db.UnitID != unitID {
		t.Fatalf("redispatched unit = %d, want %d", db.UnitID, unitID)
	}

	rw2.send(wire.KindResult, sid2, 1, &wire.Result{
		UnitID:  db.UnitID,
		Payload: []byte("second try"),
		Ack:     red.Seq,
	})
	o := waitOutcome(t, role)
	if o.UnitID != unitID || string(o.Result) != "second try" {
		t.Fatalf("outcome = %+v", o)
	}
	rw2.conn.Close()
}

func TestHandshake_ConflictOnLiveSession(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	rw := dialRaw(t, mem)
	sid := rw.handshake("", 0).SessionID

	// A second connection claiming the same live session is refused and
	// the original stays bound.
	rw2 := dialRaw(t, mem)
	if ha := rw2.handshake(sid, 0); ha.Status != wire.HelloConflict {
		t.Fatalf("status = %v, want conflict", ha.Status)
	}
	rw2.conn.Close()

	unitID := enqueue(t, c, []byte("x"))
	d := rw.next(wire.KindDispatch)
	var db wire.Dispatch
	if err := d.DecodeBody(&db); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if db.UnitID != unitID {
		t.Fatalf("dispatch went to unit %d, want %d", db.UnitID, unitID)
	}
	rw.conn.Close()
}

func TestDuplicateResult_AckedButNotReprocessed(t *testing.T) {
	t.Parallel()

	role := newCollectRole()
	c := coordinator.New(role, coordinator.WithConfig(testConfig()))
	mem := startCoordinator(t, c)

	rw := dialRaw(t, mem)
	sid := rw.handshake("", 0).SessionID

	unitID := enqueue(t, c, []byte("x"))
	d := rw.next(wire.KindDispatch)

	result := &wire.Result{UnitID: unitID, Payload: []byte("r"), Ack: d.Seq}
	rw.send(wire.KindResult, sid, 1, result)
	o := waitOutcome(t, role)
	if o.UnitID != unitID {
		t.Fatalf("outcome = %+v", o)
	}

	// Retransmit the same result, as a worker would after losing the ack.
	rw.send(wire.KindResult, sid, 1, result)
	f := rw.next(wire.KindResultAck)
	var ra wire.ResultAck
	if err := f.DecodeBody(&ra); err != nil {
		t.Fatalf("decode result_ack: %v", err)
	}
	if ra.UnitID != unitID || ra.Ack != 1 {
		t.Fatalf("result_ack = %+v", ra)
	}

	select {
	case o := <-role.ch:
		t.Fatalf("duplicate result produced a second outcome: %+v", o)
	case <-time.After(200 * time.Millisecond):
	}
	rw.conn.Close()
}

func TestLiveness_SilentWorkerIsSuspendedThenExpired(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	cfg := pomegranate.DefaultConfig()
	cfg.HeartbeatInterval = time.Second
	cfg.LivenessMultiplier = 2
	cfg.SessionGracePeriod = 5 * time.Second

	role := newCollectRole()
	h := newLifecycleHook()
	c := coordinator.New(role,
		coordinator.WithConfig(cfg),
		coordinator.WithClock(clk),
		coordinator.WithHooks(h),
	)
	mem := startCoordinator(t, c)

	rw := dialRaw(t, mem)
	sid := rw.handshake("", 0).SessionID

	// The worker goes silent but keeps draining the stream, so heartbeat
	// writes never block while the coordinator counts down to the timeout.
	heartbeats := make(chan struct{}, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := rw.dec.Next()
			if err != nil {
				readErr <- err
				return
			}
			if f.Kind == wire.KindHeartbeat {
				heartbeats <- struct{}{}
			}
		}
	}()

	// Each send-idle interval gets a heartbeat while the peer is still
	// inside the liveness window.
	clk.BlockUntil(1)
	clk.Advance(cfg.HeartbeatInterval)
	select {
	case <-heartbeats:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat on an idle link")
	}
	clk.Advance(cfg.HeartbeatInterval)
	select {
	case <-heartbeats:
	case <-time.After(5 * time.Second):
		t.Fatal("no second heartbeat")
	}

	// A third silent interval puts the peer past the liveness timeout: the
	// connection is torn down and the session suspends.
	clk.Advance(cfg.HeartbeatInterval)
	select {
	case <-readErr:
	case <-time.After(5 * time.Second):
		t.Fatal("dead link was never closed")
	}
	select {
	case got := <-h.suspended:
		if got != sid {
			t.Errorf("suspended session %q, want %q", got, sid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never suspended")
	}

	// With no resume, the grace period expires the session.
	clk.BlockUntil(1)
	clk.Advance(cfg.SessionGracePeriod)
	select {
	case got := <-h.expired:
		if got != sid {
			t.Errorf("expired session %q, want %q", got, sid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never expired")
	}
}
