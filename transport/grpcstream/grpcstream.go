// Package grpcstream carries invalidation signals over a gRPC server-streaming
// call, rtconfig.v1.RealtimeConfig/OpenFetchInvalidationStream.
//
// The request and every response are google.protobuf.UInt64Value messages:
// the request holds the caller's last-known version and each response the
// version the server now holds. Graceful completion is a call that ends with
// status OK. Any other status is passed through unchanged, so UNAVAILABLE is
// retryable and everything else is a hard failure.
package grpcstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/ggoodman/rtconfig-go/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "rtconfig.v1.RealtimeConfig"
	methodName  = "OpenFetchInvalidationStream"

	// FullMethod is the fully-qualified method name of the stream call.
	FullMethod = "/" + serviceName + "/" + methodName

	authorizationKey = "authorization"
)

// Option configures the Transport.
type Option func(*Transport)

// WithTokenSource attaches a bearer token to every call's metadata.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(t *Transport) { t.tokens = ts }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport opens invalidation streams on a gRPC connection.
type Transport struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	tokens credentials.TokenSource
	log    *slog.Logger
}

// New returns a transport using conn. The caller keeps ownership of conn.
func New(conn grpc.ClientConnInterface, opts ...Option) *Transport {
	t := &Transport{conn: conn, log: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Dial creates a client connection to target and returns a transport that
// owns it; Close releases the connection.
func Dial(target string, dialOpts []grpc.DialOption, opts ...Option) (*Transport, error) {
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	t := New(cc, opts...)
	t.closer = cc
	return t, nil
}

// Close releases the connection if the transport owns it.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Open implements transport.Transport. It returns once the server has sent
// its response headers, which it does only after attaching the subscription.
func (t *Transport) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	auth, err := credentials.BearerHeader(ctx, t.tokens)
	if err != nil {
		cancel()
		return nil, transport.Errorf(codes.Unauthenticated, "%v", err)
	}
	if auth != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, authorizationKey, auth)
	}

	cs, err := t.conn.NewStream(streamCtx, &serviceDesc.Streams[0], FullMethod)
	if err != nil {
		cancel()
		return nil, fromStatus(ctx, err)
	}
	if err := cs.SendMsg(wrapperspb.UInt64(lastVersion)); err != nil {
		cancel()
		// SendMsg reports io.EOF when the server already ended the call; the
		// real status comes from RecvMsg.
		if errors.Is(err, io.EOF) {
			err = cs.RecvMsg(new(wrapperspb.UInt64Value))
		}
		return nil, fromStatus(ctx, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(ctx, err)
	}
	if _, err := cs.Header(); err != nil {
		cancel()
		return nil, fromStatus(ctx, err)
	}

	t.log.DebugContext(ctx, "grpc.stream.open", slog.Uint64("last_version", lastVersion))

	s := &stream{
		cs:      cs,
		cancel:  cancel,
		results: make(chan result),
		done:    make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

type result struct {
	sig transport.Signal
	err error
}

type stream struct {
	cs      grpc.ClientStream
	cancel  context.CancelFunc
	results chan result
	done    chan struct{}
	once    sync.Once

	// err is the terminal result, replayed by later Recv calls.
	err error
}

// Recv implements transport.Stream.
func (s *stream) Recv(ctx context.Context) (transport.Signal, error) {
	if s.err != nil {
		return transport.Signal{}, s.err
	}

	select {
	case r := <-s.results:
		if r.err != nil {
			s.err = r.err
		}
		return r.sig, r.err
	case <-ctx.Done():
		return transport.Signal{}, ctx.Err()
	case <-s.done:
		return transport.Signal{}, io.EOF
	}
}

// Close implements transport.Stream. Cancelling the call's context is how a
// client ends a server stream in gRPC.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

func (s *stream) deliver(r result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) readLoop(ctx context.Context) {
	for {
		msg := new(wrapperspb.UInt64Value)
		if err := s.cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				s.deliver(result{err: io.EOF})
				return
			}
			s.deliver(result{err: fromStatus(ctx, err)})
			return
		}
		if !s.deliver(result{sig: transport.Signal{Version: msg.GetValue()}}) {
			return
		}
	}
}

// fromStatus converts a gRPC status error into a *transport.StatusError. If
// ctx is already done its error is returned instead.
func fromStatus(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return transport.Unavailable("stream", err)
	}
	return &transport.StatusError{Code: st.Code(), Msg: st.Message()}
}

// Compile-time interface checks
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Stream    = (*stream)(nil)
	_ io.Closer           = (*Transport)(nil)
)
