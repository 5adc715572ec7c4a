// Package transport defines the boundary between the realtime client and the
// wire protocol that carries invalidation signals. A Transport opens one
// long-lived server stream per call, resuming from the caller's last-known
// version, and the resulting Stream yields signals until the server completes
// the call or it fails.
//
// Implementations live in sub-packages (memory, redisstream, sse, websocket,
// grpcstream, filewatch). All of them report failures as *StatusError values
// using the gRPC status code vocabulary so the lifecycle manager can decide
// whether to reconnect without understanding any particular wire format.
package transport

import (
	"context"
)

// Signal is a server push indicating that configuration changed. It does not
// carry configuration values, only the version the server now holds.
type Signal struct {
	// Version is the server's configuration version. Versions are
	// monotonically non-decreasing within a stream.
	Version uint64 `json:"version"`
}

// Transport opens invalidation streams against a remote configuration service.
type Transport interface {
	// Open starts a server-streaming call. lastVersion is the highest version
	// the caller has already observed (0 if none) so the server can skip
	// already-seen state. Open may block until the underlying connection is
	// confirmed or ctx is cancelled.
	Open(ctx context.Context, lastVersion uint64) (Stream, error)
}

// Stream provides ordered signal consumption for a single open call.
// Streams are safe for use by a single consumer.
type Stream interface {
	// Recv blocks until the next signal is available. It returns io.EOF when
	// the server completed the stream gracefully, ctx.Err() when ctx is
	// cancelled, and any other error when the stream failed.
	Recv(ctx context.Context) (Signal, error)

	// Close releases resources associated with this stream. It is safe to
	// call more than once.
	Close() error
}

// Func adapts an ordinary function to the Transport interface.
type Func func(ctx context.Context, lastVersion uint64) (Stream, error)

// Open implements Transport.
func (f Func) Open(ctx context.Context, lastVersion uint64) (Stream, error) {
	return f(ctx, lastVersion)
}

var _ Transport = Func(nil)
