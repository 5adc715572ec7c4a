package grpcstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/rtconfig-go/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// realtimeConfigServer is the handler type of the service descriptor.
type realtimeConfigServer interface {
	openFetchInvalidationStream(req *wrapperspb.UInt64Value, ss grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*realtimeConfigServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       openFetchInvalidationStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "rtconfig/v1/realtime.proto",
}

func openFetchInvalidationStreamHandler(srv any, ss grpc.ServerStream) error {
	req := new(wrapperspb.UInt64Value)
	if err := ss.RecvMsg(req); err != nil {
		return err
	}
	return srv.(realtimeConfigServer).openFetchInvalidationStream(req, ss)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger. If not provided, slog.Default()
// is used.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAuthorizer installs a check of the bearer token presented in the call
// metadata. An empty token is passed when none was sent. A non-nil error
// rejects the call with UNAUTHENTICATED.
func WithAuthorizer(f func(ctx context.Context, token string) error) ServerOption {
	return func(s *Server) { s.authorize = f }
}

// Server relays invalidation streams from any transport.Transport to gRPC
// callers.
type Server struct {
	source    transport.Transport
	log       *slog.Logger
	authorize func(ctx context.Context, token string) error
}

// Register adds the realtime service to registrar, relaying streams opened
// on source.
func Register(registrar grpc.ServiceRegistrar, source transport.Transport, opts ...ServerOption) *Server {
	s := &Server{source: source, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	registrar.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) openFetchInvalidationStream(req *wrapperspb.UInt64Value, ss grpc.ServerStream) error {
	ctx := ss.Context()
	lastVersion := req.GetValue()

	if s.authorize != nil {
		if err := s.authorize(ctx, bearerToken(ctx)); err != nil {
			s.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
			return status.Error(codes.Unauthenticated, err.Error())
		}
	}

	stream, err := s.source.Open(ctx, lastVersion)
	if err != nil {
		s.log.ErrorContext(ctx, "grpc.source.open.fail", slog.String("err", err.Error()))
		return toStatus(err)
	}
	defer stream.Close()

	// Headers tell the client the subscription is attached.
	if err := ss.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "grpc.stream.start", slog.Uint64("last_version", lastVersion))

	for {
		sig, err := stream.Recv(ctx)
		switch {
		case err == nil:
			if err := ss.SendMsg(wrapperspb.UInt64(sig.Version)); err != nil {
				s.log.WarnContext(ctx, "grpc.send.fail", slog.String("err", err.Error()))
				return err
			}
			continue
		case ctx.Err() != nil:
			s.log.InfoContext(ctx, "grpc.stream.done")
			return status.FromContextError(ctx.Err()).Err()
		case errors.Is(err, io.EOF):
			s.log.InfoContext(ctx, "grpc.stream.end")
			return nil
		default:
			s.log.WarnContext(ctx, "grpc.stream.fail", slog.String("err", err.Error()))
			return toStatus(err)
		}
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(authorizationKey)
	if len(vals) == 0 {
		return ""
	}
	token, ok := strings.CutPrefix(vals[0], "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func toStatus(err error) error {
	var se *transport.StatusError
	if errors.As(err, &se) {
		msg := se.Msg
		if se.Err != nil || msg == "" {
			msg = err.Error()
		}
		return status.Error(se.Code, msg)
	}
	return status.Error(codes.Unknown, err.Error())
}
