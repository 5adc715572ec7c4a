// Package rtconfig keeps a client subscribed to a remote configuration
// service's invalidation stream and turns server-pushed change signals into
// deduplicated configuration fetches and listener callbacks.
//
// # Overview
//
// A Manager owns one transport.Transport, one fetch.Gateway and a registry of
// named listeners. Start opens a stream session when at least one listener is
// registered. Each signal received on the session triggers a fetch through the
// gateway; a successful fetch notifies every listener. Signals that arrive
// while a fetch is outstanding are coalesced into a single follow-up fetch.
//
//	m, err := rtconfig.New(transport, gateway, rtconfig.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	m.RegisterListener("cache", listeners.ListenerFunc(func(ctx context.Context) error {
//	    return cache.Reload(ctx)
//	}))
//	if err := m.Start(); err != nil {
//	    return err
//	}
//	defer m.Shutdown(context.Background())
//
// # Lifecycle
//
// The manager moves through the states Idle, Connecting, Open,
// RetryScheduled and Closed. Retryable stream failures schedule a reopen after
// a jittered delay drawn from a backoff.Policy; the budget is restored on every
// successful open. When the budget runs out, or a failure is not retryable, the
// manager enters Closed, Done is closed, Err reports the cause and the
// unavailable handler (WithUnavailableHandler) fires. A graceful server close
// returns the manager to Idle without reopening.
//
// Stop returns to Idle and may be followed by Start. Shutdown is terminal.
//
// # Concurrency
//
// All methods are safe for concurrent use. State transitions are serialized
// by a single mutex; State is a lock-free snapshot. Listener callbacks and
// fetches never run while that mutex is held, so listeners may call back into
// the manager.
package rtconfig
