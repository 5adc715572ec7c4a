package rtconfig

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/rtconfig-go/backoff"
	"github.com/ggoodman/rtconfig-go/fetch"
	"github.com/ggoodman/rtconfig-go/listeners"
	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/ggoodman/rtconfig-go/transport/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(time.Millisecond)
	}
}

// fixedBackoff returns a policy whose delays are always exactly base.
func fixedBackoff(budget int, base time.Duration) *backoff.Policy {
	return backoff.New(budget, base, backoff.WithRand(func() float64 { return 0 }))
}

// recordingTransport relays a memory hub and records the version supplied on
// every open.
type recordingTransport struct {
	hub *memory.Hub

	mu       sync.Mutex
	versions []uint64
	closed   atomic.Int32
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{hub: memory.New()}
}

func (r *recordingTransport) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	r.mu.Lock()
	r.versions = append(r.versions, lastVersion)
	r.mu.Unlock()
	return r.hub.Open(ctx, lastVersion)
}

func (r *recordingTransport) Close() error {
	r.closed.Add(1)
	return nil
}

func (r *recordingTransport) openVersions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.versions...)
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []uint64
	err   error
	// block, when set, holds every call until it is closed.
	block chan struct{}
}

func (g *fakeGateway) FetchIfNotThrottled(ctx context.Context, minVersion uint64) (*fetch.Snapshot, error) {
	g.mu.Lock()
	g.calls = append(g.calls, minVersion)
	block, err := g.block, g.err
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fetch.Snapshot{Version: minVersion}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) minVersions() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.calls...)
}

type recordingObserver struct {
	NopObserver

	mu        sync.Mutex
	remaining []int
	failed    []string
	outcomes  []FetchOutcome
	signals   []uint64
}

func (o *recordingObserver) SignalReceived(version uint64) {
	o.mu.Lock()
	o.signals = append(o.signals, version)
	o.mu.Unlock()
}

func (o *recordingObserver) signalCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.signals)
}

func (o *recordingObserver) outcomeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outcomes)
}

func (o *recordingObserver) RetryScheduled(_ time.Duration, remaining int) {
	o.mu.Lock()
	o.remaining = append(o.remaining, remaining)
	o.mu.Unlock()
}

func (o *recordingObserver) ListenerFailed(name string) {
	o.mu.Lock()
	o.failed = append(o.failed, name)
	o.mu.Unlock()
}

func (o *recordingObserver) FetchCompleted(outcome FetchOutcome) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshotRemaining() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.remaining...)
}

func counter(n *atomic.Int32) listeners.Listener {
	return listeners.ListenerFunc(func(context.Context) error {
		n.Add(1)
		return nil
	})
}

type harness struct {
	m     *Manager
	tr    *recordingTransport
	gw    *fakeGateway
	clock *clock.Mock
	obs   *recordingObserver
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		tr:    newRecordingTransport(),
		gw:    &fakeGateway{},
		clock: clock.NewMock(),
		obs:   &recordingObserver{},
	}
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(h.clock),
		WithBackoff(fixedBackoff(3, time.Second)),
		WithObserver(h.obs),
	}
	m, err := New(h.tr, h.gw, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	eventually(t, func() bool { return h.m.State() == want }, "state = %s, want %s", h.m.State(), want)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil, &fakeGateway{}); err == nil {
		t.Fatal("expected error for nil transport")
	}
	if _, err := New(memory.New(), nil); err == nil {
		t.Fatal("expected error for nil gateway")
	}
}

func TestStart_NoListenersNoConnection(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		if err := h.m.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if n := h.tr.hub.Opens(); n != 0 {
		t.Fatalf("opens = %d, want 0", n)
	}
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.m.RegisterListener("a", counter(&calls))

	if err := h.m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.m.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	h.waitState(t, StateOpen)
	if err := h.m.Start(); err != nil {
		t.Fatalf("Start while open: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := h.tr.hub.Opens(); n != 1 {
		t.Fatalf("opens = %d, want 1", n)
	}
	if n := h.tr.hub.Active(); n != 1 {
		t.Fatalf("active streams = %d, want 1", n)
	}
}

func TestStop_IdleIsNoop(t *testing.T) {
	h := newHarness(t)
	h.m.Stop()
	h.m.Stop()
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestStop_ReleasesSessionAndAllowsRestart(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.m.RegisterListener("a", counter(&calls))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	h.m.Stop()
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state after Stop = %s, want idle", got)
	}
	eventually(t, func() bool { return h.tr.hub.Active() == 0 }, "stream not released after Stop")

	_ = h.m.Start()
	h.waitState(t, StateOpen)
	if n := h.tr.hub.Opens(); n != 2 {
		t.Fatalf("opens = %d, want 2", n)
	}
	if h.tr.closed.Load() != 0 {
		t.Fatal("Stop must not release the transport")
	}
}

func TestPause_BehavesLikeStop(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.m.RegisterListener("a", counter(&calls))

	_ = h.m.Start()
	h.waitState(t, StateOpen)
	h.m.Pause()
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state after Pause = %s, want idle", got)
	}
}

func TestSignal_FetchThenNotify(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("A", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	if err := h.tr.hub.Publish(context.Background(), 5); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, func() bool { return a.Load() == 1 }, "listener A calls = %d, want 1", a.Load())

	if got := h.gw.minVersions(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("fetches = %v, want [5]", got)
	}
	if got := h.m.LastVersion(); got != 5 {
		t.Fatalf("LastVersion = %d, want 5", got)
	}
}

func TestScenario_AbnormalCloseReopensWithLastVersion(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("A", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	_ = h.tr.hub.Publish(context.Background(), 5)
	eventually(t, func() bool { return a.Load() == 1 }, "listener A not notified")
	if n := h.gw.callCount(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}

	h.tr.hub.Fail(transport.Unavailable("connection reset", nil))
	h.waitState(t, StateRetryScheduled)

	if n := h.tr.hub.Opens(); n != 1 {
		t.Fatalf("reopened before the delay elapsed: opens = %d", n)
	}

	h.clock.Add(time.Second)
	h.waitState(t, StateOpen)

	got := h.tr.openVersions()
	if len(got) != 2 || got[1] != 5 {
		t.Fatalf("open versions = %v, want second open with 5", got)
	}
	if n := a.Load(); n != 1 {
		t.Fatalf("listener A calls = %d after reopen, want 1", n)
	}
}

func TestSignal_StaleVersionsDropped(t *testing.T) {
	sigs := make(chan transport.Signal, 8)
	tr := transport.Func(func(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
		return &chanStream{sigs: sigs}, nil
	})
	gw := &fakeGateway{}
	m, err := New(tr, gw, WithLogger(quietLogger()), WithClock(clock.NewMock()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Shutdown(context.Background())

	var a atomic.Int32
	m.RegisterListener("a", counter(&a))
	_ = m.Start()

	sigs <- transport.Signal{Version: 5}
	eventually(t, func() bool { return a.Load() == 1 }, "listener not notified")

	sigs <- transport.Signal{Version: 3}
	sigs <- transport.Signal{Version: 5}
	sigs <- transport.Signal{Version: 6}
	eventually(t, func() bool { return a.Load() == 2 }, "listener not notified for version 6")

	if got := gw.minVersions(); len(got) != 2 || got[1] != 6 {
		t.Fatalf("fetches = %v, want [5 6]", got)
	}
}

func TestSignal_CoalescesDuringFetch(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.gw.block = block

	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))
	_ = h.m.Start()
	h.waitState(t, StateOpen)

	ctx := context.Background()
	_ = h.tr.hub.Publish(ctx, 1)
	eventually(t, func() bool { return h.gw.callCount() == 1 }, "first fetch not started")

	for v := uint64(2); v <= 4; v++ {
		_ = h.tr.hub.Publish(ctx, v)
	}
	eventually(t, func() bool { return h.obs.signalCount() == 4 }, "signals not delivered")
	if got := h.m.LastVersion(); got != 0 {
		t.Fatalf("LastVersion = %d before any fetch completed, want 0", got)
	}

	h.gw.mu.Lock()
	h.gw.block = nil
	h.gw.mu.Unlock()
	close(block)

	eventually(t, func() bool { return a.Load() == 2 }, "listener calls = %d, want 2", a.Load())
	time.Sleep(20 * time.Millisecond)

	got := h.gw.minVersions()
	if len(got) != 2 || got[1] != 4 {
		t.Fatalf("fetches = %v, want [1 4]", got)
	}
	eventually(t, func() bool { return h.m.LastVersion() == 4 }, "LastVersion = %d, want 4", h.m.LastVersion())
}

func TestFetchFailure_ReopenReplaysUnfetchedVersion(t *testing.T) {
	h := newHarness(t)
	h.gw.err = errors.New("backend down")

	var a atomic.Int32
	h.m.RegisterListener("A", counter(&a))
	_ = h.m.Start()
	h.waitState(t, StateOpen)

	_ = h.tr.hub.Publish(context.Background(), 5)
	eventually(t, func() bool { return h.obs.outcomeCount() == 1 }, "fetch not attempted")
	if got := h.m.LastVersion(); got != 0 {
		t.Fatalf("LastVersion = %d after a failed fetch, want 0", got)
	}

	h.gw.mu.Lock()
	h.gw.err = nil
	h.gw.mu.Unlock()

	h.tr.hub.Fail(transport.Unavailable("connection reset", nil))
	h.waitState(t, StateRetryScheduled)
	h.clock.Add(time.Second)
	h.waitState(t, StateOpen)

	if got := h.tr.openVersions(); len(got) != 2 || got[1] != 0 {
		t.Fatalf("open versions = %v, want reopen with 0", got)
	}
	eventually(t, func() bool { return a.Load() == 1 }, "replayed version not fetched: listener A calls = %d", a.Load())
	if got := h.gw.minVersions(); len(got) != 2 || got[1] != 5 {
		t.Fatalf("fetches = %v, want [5 5]", got)
	}
	if got := h.m.LastVersion(); got != 5 {
		t.Fatalf("LastVersion = %d, want 5", got)
	}
}

func TestFetch_SnapshotVersionAdvancesLastVersion(t *testing.T) {
	hub := memory.New()
	gw := fetch.GatewayFunc(func(ctx context.Context, minVersion uint64) (*fetch.Snapshot, error) {
		return &fetch.Snapshot{Version: minVersion + 10}, nil
	})
	m, err := New(hub, gw, WithLogger(quietLogger()), WithClock(clock.NewMock()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Shutdown(context.Background())

	var a atomic.Int32
	m.RegisterListener("a", counter(&a))
	_ = m.Start()
	eventually(t, func() bool { return hub.Active() == 1 }, "stream not opened")

	_ = hub.Publish(context.Background(), 2)
	eventually(t, func() bool { return a.Load() == 1 }, "listener not notified")
	eventually(t, func() bool { return m.LastVersion() == 12 }, "LastVersion = %d, want 12", m.LastVersion())
}

func TestFetchFailure_KeepsStreamOpen(t *testing.T) {
	h := newHarness(t)
	h.gw.err = errors.New("backend down")

	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))
	_ = h.m.Start()
	h.waitState(t, StateOpen)

	_ = h.tr.hub.Publish(context.Background(), 1)
	eventually(t, func() bool { return h.gw.callCount() == 1 }, "fetch not attempted")
	time.Sleep(20 * time.Millisecond)

	if got := h.m.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if a.Load() != 0 {
		t.Fatal("listener notified after a failed fetch")
	}
	if n := h.gw.callCount(); n != 1 {
		t.Fatalf("gateway calls = %d; fetch failures must not be retried", n)
	}
}

func TestFetchThrottled_ReportsOutcome(t *testing.T) {
	h := newHarness(t)
	h.gw.err = fetch.ErrThrottled

	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))
	_ = h.m.Start()
	h.waitState(t, StateOpen)

	_ = h.tr.hub.Publish(context.Background(), 1)
	eventually(t, func() bool {
		h.obs.mu.Lock()
		defer h.obs.mu.Unlock()
		return len(h.obs.outcomes) == 1
	}, "fetch outcome not observed")

	h.obs.mu.Lock()
	got := h.obs.outcomes[0]
	h.obs.mu.Unlock()
	if got != FetchThrottled {
		t.Fatalf("outcome = %s, want throttled", got)
	}
}

func TestFanOut_IsolatesFailingListener(t *testing.T) {
	h := newHarness(t)

	var a, c atomic.Int32
	h.m.RegisterListener("a", counter(&a))
	h.m.RegisterListener("b", listeners.ListenerFunc(func(context.Context) error {
		panic("boom")
	}))
	h.m.RegisterListener("c", counter(&c))

	_ = h.m.Start()
	h.waitState(t, StateOpen)
	_ = h.tr.hub.Publish(context.Background(), 1)

	eventually(t, func() bool { return a.Load() == 1 && c.Load() == 1 }, "healthy listeners not notified")
	eventually(t, func() bool {
		h.obs.mu.Lock()
		defer h.obs.mu.Unlock()
		return len(h.obs.failed) == 1 && h.obs.failed[0] == "b"
	}, "failing listener not reported")

	if got := h.m.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestGracefulClose_NoReopen(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	h.tr.hub.Complete()
	h.waitState(t, StateIdle)

	h.clock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := h.tr.hub.Opens(); n != 1 {
		t.Fatalf("opens = %d, want 1", n)
	}
}

func TestBackoff_ResetAfterSuccessfulOpen(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	h.tr.hub.SetOpenError(transport.Unavailable("dial", nil))
	_ = h.m.Start()
	h.waitState(t, StateRetryScheduled)

	h.clock.Add(time.Second)
	eventually(t, func() bool {
		return h.tr.hub.Opens() == 2 && h.m.State() == StateRetryScheduled
	}, "second open did not fail")

	h.tr.hub.SetOpenError(nil)
	h.clock.Add(time.Second)
	h.waitState(t, StateOpen)

	h.tr.hub.Fail(transport.Unavailable("reset", nil))
	h.waitState(t, StateRetryScheduled)

	got := h.obs.snapshotRemaining()
	want := []int{2, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("remaining = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("remaining = %v, want %v", got, want)
		}
	}
}

func TestBackoff_ExhaustionIsTerminal(t *testing.T) {
	var unavailable atomic.Int32
	var cause atomic.Value
	h := newHarness(t, WithUnavailableHandler(func(err error) {
		cause.Store(err)
		unavailable.Add(1)
	}))
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	h.tr.hub.SetOpenError(transport.Unavailable("dial", nil))
	_ = h.m.Start()

	// Budget 3: the initial failure plus three failed retries.
	for i := int64(1); i <= 3; i++ {
		eventually(t, func() bool {
			return h.tr.hub.Opens() == i && h.m.State() == StateRetryScheduled
		}, "attempt %d did not schedule a retry", i)
		h.clock.Add(time.Second)
	}

	h.waitState(t, StateClosed)
	if n := h.tr.hub.Opens(); n != 4 {
		t.Fatalf("opens = %d, want 4", n)
	}

	h.clock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := h.tr.hub.Opens(); n != 4 {
		t.Fatalf("opens after exhaustion = %d, want 4", n)
	}

	select {
	case <-h.m.Done():
	default:
		t.Fatal("Done not closed")
	}
	if !errors.Is(h.m.Err(), ErrRetriesExhausted) {
		t.Fatalf("Err = %v, want ErrRetriesExhausted", h.m.Err())
	}
	eventually(t, func() bool { return unavailable.Load() == 1 }, "unavailable handler not called")
	if err, _ := cause.Load().(error); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("handler cause = %v", err)
	}
	if h.tr.closed.Load() != 1 {
		t.Fatal("transport not released after exhaustion")
	}
	if err := h.m.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after close = %v, want ErrClosed", err)
	}
}

func TestNonRetryableError_Closes(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	h.tr.hub.Fail(errors.New("permission denied"))
	h.waitState(t, StateClosed)

	if !errors.Is(h.m.Err(), ErrUnrecoverable) {
		t.Fatalf("Err = %v, want ErrUnrecoverable", h.m.Err())
	}
}

func TestWithRetryable_WidensRetryClass(t *testing.T) {
	errFlaky := errors.New("flaky")
	h := newHarness(t, WithRetryable(func(err error) bool { return errors.Is(err, errFlaky) }))
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	h.tr.hub.Fail(errFlaky)
	h.waitState(t, StateRetryScheduled)
}

func TestOpenPanic_ReleasesSession(t *testing.T) {
	tr := transport.Func(func(context.Context, uint64) (transport.Stream, error) {
		panic("dial exploded")
	})
	m, err := New(tr, &fakeGateway{}, WithLogger(quietLogger()), WithClock(clock.NewMock()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var a atomic.Int32
	m.RegisterListener("a", counter(&a))
	_ = m.Start()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not close; state = %s", m.State())
	}
	if !errors.Is(m.Err(), ErrUnrecoverable) {
		t.Fatalf("Err = %v, want ErrUnrecoverable", m.Err())
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRetry_StopCancelsScheduledReopen(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	h.tr.hub.SetOpenError(transport.Unavailable("dial", nil))
	_ = h.m.Start()
	h.waitState(t, StateRetryScheduled)

	if err := h.m.Start(); err != nil {
		t.Fatalf("Start while retry scheduled: %v", err)
	}
	h.m.Stop()
	h.clock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)

	if n := h.tr.hub.Opens(); n != 1 {
		t.Fatalf("opens = %d, want 1", n)
	}
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestRetry_NoListenersReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	h.tr.hub.SetOpenError(transport.Unavailable("dial", nil))
	_ = h.m.Start()
	h.waitState(t, StateRetryScheduled)

	h.m.ClearListeners()
	h.clock.Add(time.Second)
	h.waitState(t, StateIdle)

	if n := h.tr.hub.Opens(); n != 1 {
		t.Fatalf("opens = %d, want 1", n)
	}
}

func TestShutdown_Terminal(t *testing.T) {
	var unavailable atomic.Int32
	h := newHarness(t, WithUnavailableHandler(func(error) { unavailable.Add(1) }))
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	if got := h.m.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if !errors.Is(h.m.Err(), ErrShutdown) {
		t.Fatalf("Err = %v, want ErrShutdown", h.m.Err())
	}
	if n := h.tr.hub.Active(); n != 0 {
		t.Fatalf("active streams = %d after Shutdown", n)
	}
	if n := h.tr.closed.Load(); n != 1 {
		t.Fatalf("transport closed %d times, want 1", n)
	}
	if err := h.m.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Shutdown = %v, want ErrClosed", err)
	}
	h.m.Stop()

	time.Sleep(20 * time.Millisecond)
	if unavailable.Load() != 0 {
		t.Fatal("unavailable handler must not run on Shutdown")
	}
}

func TestStop_AbandonsInflightFetch(t *testing.T) {
	hub := memory.New()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	// The gateway ignores cancellation and reports success regardless.
	gw := fetch.GatewayFunc(func(ctx context.Context, minVersion uint64) (*fetch.Snapshot, error) {
		started <- struct{}{}
		<-release
		return &fetch.Snapshot{Version: minVersion}, nil
	})
	m, err := New(hub, gw, WithLogger(quietLogger()), WithClock(clock.NewMock()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var a atomic.Int32
	m.RegisterListener("a", counter(&a))
	_ = m.Start()
	eventually(t, func() bool { return m.State() == StateOpen }, "state = %s, want open", m.State())

	_ = hub.Publish(context.Background(), 1)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch not started")
	}

	m.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := a.Load(); n != 0 {
		t.Fatalf("listener notified %d times after Stop", n)
	}
	if got := m.LastVersion(); got != 0 {
		t.Fatalf("LastVersion = %d, want 0 for an abandoned fetch", got)
	}
}

func TestShutdown_FromListener(t *testing.T) {
	h := newHarness(t)
	errc := make(chan error, 1)
	h.m.RegisterListener("a", listeners.ListenerFunc(func(ctx context.Context) error {
		errc <- h.m.Shutdown(ctx)
		return nil
	}))

	_ = h.m.Start()
	h.waitState(t, StateOpen)
	_ = h.tr.hub.Publish(context.Background(), 1)

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Shutdown from listener = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown from listener did not return")
	}
	if got := h.m.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestShutdown_CancelsInflightFetch(t *testing.T) {
	h := newHarness(t)
	h.gw.block = make(chan struct{})

	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))
	_ = h.m.Start()
	h.waitState(t, StateOpen)

	_ = h.tr.hub.Publish(context.Background(), 1)
	eventually(t, func() bool { return h.gw.callCount() == 1 }, "fetch not started")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown did not wait for the fetch to unwind: %v", err)
	}
	if a.Load() != 0 {
		t.Fatal("listener notified after a cancelled fetch")
	}
}

func TestInitialVersion_SuppliedOnOpen(t *testing.T) {
	h := newHarness(t, WithInitialVersion(9))
	var a atomic.Int32
	h.m.RegisterListener("a", counter(&a))

	_ = h.m.Start()
	h.waitState(t, StateOpen)

	if got := h.tr.openVersions(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("open versions = %v, want [9]", got)
	}
}

func TestAtMostOneActiveSession(t *testing.T) {
	hub := memory.New()
	var active, maxActive atomic.Int32
	tr := transport.Func(func(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
		s, err := hub.Open(ctx, lastVersion)
		if err != nil {
			return nil, err
		}
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		return &countedStream{Stream: s, active: &active}, nil
	})

	m, err := New(tr, &fakeGateway{},
		WithLogger(quietLogger()),
		WithBackoff(backoff.New(1000, time.Millisecond, backoff.WithMultiplierRange(1, 2))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var a atomic.Int32
	m.RegisterListener("a", counter(&a))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (g + i) % 3 {
				case 0:
					_ = m.Start()
				case 1:
					m.Stop()
				default:
					hub.Fail(transport.Unavailable("flap", nil))
				}
			}
		}(g)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if n := maxActive.Load(); n > 1 {
		t.Fatalf("max concurrently open sessions = %d, want <= 1", n)
	}
	if n := active.Load(); n != 0 {
		t.Fatalf("streams left open = %d", n)
	}
}

// chanStream delivers signals from a channel until closed.
type chanStream struct {
	sigs   <-chan transport.Signal
	closed atomic.Bool
}

func (s *chanStream) Recv(ctx context.Context) (transport.Signal, error) {
	if s.closed.Load() {
		return transport.Signal{}, io.EOF
	}
	select {
	case sig := <-s.sigs:
		return sig, nil
	case <-ctx.Done():
		return transport.Signal{}, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.closed.Store(true)
	return nil
}

type countedStream struct {
	transport.Stream
	active *atomic.Int32
	once   sync.Once
}

func (s *countedStream) Close() error {
	s.once.Do(func() { s.active.Add(-1) })
	return s.Stream.Close()
}
