package rtconfig

import "errors"

var (
	// ErrClosed is returned by Start after the manager reached StateClosed.
	ErrClosed = errors.New("rtconfig: manager closed")
	// ErrRetriesExhausted is the terminal error when the retry budget ran out.
	ErrRetriesExhausted = errors.New("rtconfig: realtime stream unavailable, retries exhausted")
	// ErrUnrecoverable is the terminal error for a non-retryable stream failure.
	ErrUnrecoverable = errors.New("rtconfig: realtime stream failed with a non-retryable error")
	// ErrShutdown is reported by Err after the owner called Shutdown.
	ErrShutdown = errors.New("rtconfig: manager shut down")
)
