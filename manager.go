package rtconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/rtconfig-go/backoff"
	"github.com/ggoodman/rtconfig-go/fetch"
	"github.com/ggoodman/rtconfig-go/internal/logctx"
	"github.com/ggoodman/rtconfig-go/listeners"
	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/google/uuid"
)

// Manager maintains the invalidation stream and drives fetches and listener
// notifications from it.
type Manager struct {
	transport     transport.Transport
	gateway       fetch.Gateway
	listeners     listeners.Registry
	log           *slog.Logger
	clock         clock.Clock
	observer      Observer
	retryable     func(error) bool
	onUnavailable func(error)

	state atomic.Int32
	// lastVersion is the last-known version: the newest one a successful
	// fetch has covered. It is what the server is told on open.
	lastVersion atomic.Uint64

	// ctx bounds every goroutine the manager starts. It is cancelled when the
	// manager reaches StateClosed.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	release sync.Once

	mu sync.Mutex
	// runCtx spans one Start..Stop run across its retries. Sessions and the
	// fetches they trigger derive from it.
	runCtx     context.Context
	runCancel  context.CancelFunc
	backoff    *backoff.Policy
	sess       *session
	prevDone   <-chan struct{}
	retryTimer *clock.Timer
	retryGen   uint64
	attempt    int
	termErr    error

	fetchMu        sync.Mutex
	fetching       bool
	pending        bool
	pendingVersion uint64
	pendingCtx     context.Context
}

// New constructs a Manager in StateIdle. The transport and gateway are
// required; a missing one is a programming error reported here rather than
// at Start.
func New(t transport.Transport, g fetch.Gateway, opts ...Option) (*Manager, error) {
	if t == nil {
		return nil, fmt.Errorf("rtconfig: transport is required")
	}
	if g == nil {
		return nil, fmt.Errorf("rtconfig: fetch gateway is required")
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.backoff == nil {
		cfg.backoff = backoff.New(backoff.DefaultBudget, backoff.DefaultBaseInterval)
	}
	if cfg.observer == nil {
		cfg.observer = NopObserver{}
	}

	retryable := transport.IsRetryable
	if extra := cfg.retryable; extra != nil {
		retryable = func(err error) bool { return transport.IsRetryable(err) || extra(err) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport:     t,
		gateway:       g,
		log:           slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		clock:         cfg.clock,
		observer:      cfg.observer,
		retryable:     retryable,
		onUnavailable: cfg.onUnavailable,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		backoff:       cfg.backoff,
	}
	m.lastVersion.Store(cfg.initialVersion)
	return m, nil
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// LastVersion returns the last-known version: the newest version covered by
// a successful fetch, or the initial version if there has been none.
func (m *Manager) LastVersion() uint64 {
	return m.lastVersion.Load()
}

// Done is closed when the manager reaches StateClosed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns nil until the manager is closed. Afterwards it reports why:
// ErrShutdown for an owner-initiated Shutdown, or an error wrapping
// ErrRetriesExhausted or ErrUnrecoverable together with the last stream
// failure.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

// RegisterListener registers l under name, replacing any listener with the
// same name.
func (m *Manager) RegisterListener(name string, l listeners.Listener) {
	m.listeners.Put(name, l)
}

// UnregisterListener removes the listener registered under name, if any.
func (m *Manager) UnregisterListener(name string) {
	m.listeners.Remove(name)
}

// ClearListeners removes every listener.
func (m *Manager) ClearListeners() {
	m.listeners.Clear()
}

// Start opens a stream session if none is open or scheduled and at least one
// listener is registered. It does not wait for the transport; progress is
// observable through State. Start returns ErrClosed once the manager is closed.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateClosed:
		return ErrClosed
	case StateConnecting, StateOpen, StateRetryScheduled:
		return nil
	}

	if m.listeners.Len() == 0 {
		m.log.Debug("stream.start.skip", slog.String("reason", "no listeners"))
		return nil
	}

	m.beginRunLocked()
	m.openLocked()
	return nil
}

// Stop cancels the open session, or the scheduled reopen, and returns to
// StateIdle. The transport stays usable and Start may be called again.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateIdle:
		// A run that ended with a graceful close may still be fetching.
		m.endRunLocked()
		return
	case StateClosed:
		return
	}

	m.stopSessionLocked()
	m.stopRetryLocked()
	m.endRunLocked()
	m.setStateLocked(StateIdle)
	m.log.Info("stream.stop")
}

// Pause is Stop. It exists for owners that tie the stream to a foreground
// lifecycle and resume it with Start.
func (m *Manager) Pause() { m.Stop() }

// Shutdown moves the manager to StateClosed, cancels in-flight fetches,
// releases the transport and waits for background goroutines until ctx is
// done. It is safe to call more than once.
//
// Listeners run on one of the goroutines Shutdown waits for. A listener that
// shuts the manager down must pass the context it was given, which Shutdown
// cancels, or call Shutdown from a new goroutine; waiting on a context that
// never ends would deadlock.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.State() != StateClosed {
		m.closeLocked(ErrShutdown)
		m.log.Info("stream.shutdown")
	}
	m.mu.Unlock()

	m.releaseTransport()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// openLocked starts a new session goroutine. The caller holds m.mu.
func (m *Manager) openLocked() {
	m.attempt++

	if m.runCtx == nil {
		m.beginRunLocked()
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	s := &session{
		id:        uuid.NewString(),
		attempt:   m.attempt,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		signalled: m.lastVersion.Load(),
	}

	prev := m.prevDone
	m.prevDone = s.done
	m.sess = s
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.runSession(s, prev)
}

// beginRunLocked starts a new run, abandoning fetches left over from a
// previous one.
func (m *Manager) beginRunLocked() {
	m.endRunLocked()
	m.runCtx, m.runCancel = context.WithCancel(m.ctx)
}

// endRunLocked cancels the current run: its session and any fetch or
// notification it started.
func (m *Manager) endRunLocked() {
	if m.runCancel != nil {
		m.runCancel()
		m.runCtx, m.runCancel = nil, nil
	}
}

// stopSessionLocked cancels the current session, if any. Its goroutine closes
// the stream on its way out and any events it still produces are discarded.
func (m *Manager) stopSessionLocked() {
	if m.sess != nil {
		m.sess.cancel()
		m.sess = nil
	}
}

func (m *Manager) stopRetryLocked() {
	m.retryGen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) setStateLocked(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.observer.StateChanged(from, to)
	m.log.Debug("stream.state", slog.String("from", from.String()), slog.String("to", to.String()))
}

// closeLocked enters the terminal state. The caller holds m.mu.
func (m *Manager) closeLocked(cause error) {
	m.stopSessionLocked()
	m.stopRetryLocked()
	m.endRunLocked()
	m.termErr = cause
	m.setStateLocked(StateClosed)
	m.cancel()
	close(m.done)
}

func (m *Manager) releaseTransport() {
	m.release.Do(func() {
		if c, ok := m.transport.(io.Closer); ok {
			if err := c.Close(); err != nil {
				m.log.Warn("transport.close.fail", slog.String("err", err.Error()))
			}
		}
	})
}

// handleEvent applies a session event to the state machine. It reports
// whether the session should keep running.
func (m *Manager) handleEvent(s *session, ev Event) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}

	ctx := s.logContext(m.lastVersion.Load())

	switch ev.Kind {
	case EventOpened:
		m.backoff.Reset()
		m.attempt = 0
		m.setStateLocked(StateOpen)
		m.mu.Unlock()
		m.log.InfoContext(ctx, "stream.open.ok")
		return true

	case EventSignal:
		m.handleSignalLocked(ctx, s, ev.Version)
		m.mu.Unlock()
		return true

	case EventClosed:
		if ev.Normal {
			m.sess = nil
			m.setStateLocked(StateIdle)
			m.mu.Unlock()
			m.log.InfoContext(ctx, "stream.closed")
			return false
		}
	}

	m.sess = nil
	err := ev.Err
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	m.failLocked(ctx, err)
	return false
}

// failLocked decides between a scheduled reopen and the terminal state after a
// session failed. It releases m.mu.
func (m *Manager) failLocked(ctx context.Context, err error) {
	if !m.retryable(err) {
		cause := fmt.Errorf("%w: %w", ErrUnrecoverable, err)
		m.closeLocked(cause)
		m.mu.Unlock()
		m.log.ErrorContext(ctx, "stream.fail.unrecoverable", slog.String("err", err.Error()))
		m.giveUp(cause)
		return
	}

	if m.backoff.Exhausted() {
		cause := fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, m.backoff.Budget(), err)
		m.closeLocked(cause)
		m.mu.Unlock()
		m.log.ErrorContext(ctx, "stream.retry.exhausted", slog.String("err", err.Error()))
		m.giveUp(cause)
		return
	}

	delay := m.backoff.NextDelay()
	remaining := m.backoff.Remaining()
	m.retryGen++
	gen := m.retryGen
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	m.observer.RetryScheduled(delay, remaining)
	m.setStateLocked(StateRetryScheduled)
	m.mu.Unlock()

	m.log.WarnContext(ctx, "stream.retry.scheduled",
		slog.String("err", err.Error()),
		slog.Duration("delay", delay),
		slog.Int("remaining", remaining),
	)
}

// retry runs when a scheduled reopen timer fires.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.retryGen || m.State() != StateRetryScheduled {
		return
	}
	m.retryTimer = nil

	if m.listeners.Len() == 0 {
		m.setStateLocked(StateIdle)
		m.log.Info("stream.retry.skip", slog.String("reason", "no listeners"))
		return
	}

	m.log.Info("stream.retry", slog.Int("attempt", m.attempt+1))
	m.openLocked()
}

// giveUp surfaces the terminal condition to the owner and releases the
// transport. It runs without m.mu held.
func (m *Manager) giveUp(cause error) {
	m.releaseTransport()
	if m.onUnavailable != nil {
		go m.onUnavailable(cause)
	}
}

// handleSignalLocked requests a fetch for a fresh signal. A signal is stale
// when it is not newer than both the last-known version and what s has
// already signalled; version 0 marks an unversioned push and is never stale.
// The caller holds m.mu and has checked that s is the current session.
func (m *Manager) handleSignalLocked(ctx context.Context, s *session, version uint64) {
	if version != 0 && version <= max(s.signalled, m.lastVersion.Load()) {
		m.log.DebugContext(ctx, "stream.signal.stale", slog.Uint64("version", version))
		return
	}
	if version > s.signalled {
		s.signalled = version
	}

	m.observer.SignalReceived(version)
	m.log.InfoContext(ctx, "stream.signal", slog.Uint64("version", version))
	m.requestFetch(m.runCtx, version)
}

// requestFetch starts a fetch, or marks one pending if a fetch is already in
// flight. At most one follow-up fetch is queued no matter how many signals
// arrive meanwhile. The fetch and the notification after it are abandoned
// once ctx is done.
func (m *Manager) requestFetch(ctx context.Context, version uint64) {
	m.fetchMu.Lock()
	if m.fetching {
		m.pending = true
		m.pendingCtx = ctx
		if version > m.pendingVersion {
			m.pendingVersion = version
		}
		m.fetchMu.Unlock()
		m.log.Debug("fetch.coalesced", slog.Uint64("version", version))
		return
	}
	m.fetching = true
	m.fetchMu.Unlock()

	m.wg.Add(1)
	go m.fetchLoop(ctx, version)
}

func (m *Manager) fetchLoop(ctx context.Context, version uint64) {
	defer m.wg.Done()

	for {
		m.fetchOnce(ctx, version)

		m.fetchMu.Lock()
		if !m.pending || m.pendingCtx.Err() != nil {
			m.fetching, m.pending, m.pendingVersion, m.pendingCtx = false, false, 0, nil
			m.fetchMu.Unlock()
			return
		}
		ctx, version = m.pendingCtx, m.pendingVersion
		m.pending, m.pendingVersion, m.pendingCtx = false, 0, nil
		m.fetchMu.Unlock()
	}
}

func (m *Manager) fetchOnce(ctx context.Context, version uint64) {
	if ctx.Err() != nil {
		return
	}
	ctx = logctx.WithFetchData(ctx, &logctx.FetchData{MinVersion: version})

	snap, err := m.safeFetch(ctx, version)
	switch {
	case ctx.Err() != nil:
		m.log.DebugContext(ctx, "fetch.abandoned")
		return
	case errors.Is(err, fetch.ErrThrottled):
		m.observer.FetchCompleted(FetchThrottled)
		m.log.InfoContext(ctx, "fetch.throttled", slog.String("err", err.Error()))
		return
	case err != nil:
		m.observer.FetchCompleted(FetchFailed)
		m.log.WarnContext(ctx, "fetch.fail", slog.String("err", err.Error()))
		return
	}

	m.observer.FetchCompleted(FetchSucceeded)
	fetched := version
	if snap != nil && snap.Version > fetched {
		fetched = snap.Version
	}
	m.advanceLastVersion(fetched)
	m.log.InfoContext(ctx, "fetch.ok", slog.Uint64("version", fetched))

	if err := m.listeners.NotifyAll(ctx); err != nil {
		m.reportListenerErrors(ctx, err)
	}
}

// advanceLastVersion raises the last-known version to v. It never moves
// backwards.
func (m *Manager) advanceLastVersion(v uint64) {
	for {
		last := m.lastVersion.Load()
		if v <= last || m.lastVersion.CompareAndSwap(last, v) {
			return
		}
	}
}

func (m *Manager) safeFetch(ctx context.Context, version uint64) (snap *fetch.Snapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fetch gateway panicked: %v", p)
		}
	}()
	return m.gateway.FetchIfNotThrottled(ctx, version)
}

func (m *Manager) reportListenerErrors(ctx context.Context, err error) {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		name := ""
		var le *listeners.Error
		if errors.As(e, &le) {
			name = le.Name
		}
		m.observer.ListenerFailed(name)
		m.log.WarnContext(ctx, "listener.notify.fail", slog.String("listener", name), slog.String("err", e.Error()))
	}
}
