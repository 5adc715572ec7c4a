package rtconfig

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/rtconfig-go/backoff"
)

// Option configures a Manager.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	clock          clock.Clock
	backoff        *backoff.Policy
	initialVersion uint64
	retryable      func(error) bool
	onUnavailable  func(error)
	observer       Observer
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithClock sets the clock used to schedule reopens. Defaults to the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *newConfig) { c.clock = clk }
}

// WithBackoff sets the retry policy. Defaults to
// backoff.New(backoff.DefaultBudget, backoff.DefaultBaseInterval).
// The policy is owned by the manager afterwards.
func WithBackoff(p *backoff.Policy) Option {
	return func(c *newConfig) { c.backoff = p }
}

// WithInitialVersion sets the last-known version supplied on the first open,
// for callers that persisted it across restarts themselves.
func WithInitialVersion(v uint64) Option {
	return func(c *newConfig) { c.initialVersion = v }
}

// WithRetryable widens the set of failures that schedule a reopen. Failures
// for which transport.IsRetryable reports true are always retried.
func WithRetryable(f func(error) bool) Option {
	return func(c *newConfig) { c.retryable = f }
}

// WithUnavailableHandler registers a callback invoked once, asynchronously,
// when the manager gives up on the stream and enters StateClosed on its own.
// It is not invoked for an owner-initiated Shutdown.
func WithUnavailableHandler(f func(err error)) Option {
	return func(c *newConfig) { c.onUnavailable = f }
}

// WithObserver attaches an Observer, typically a metrics collector.
func WithObserver(o Observer) Option {
	return func(c *newConfig) { c.observer = o }
}
