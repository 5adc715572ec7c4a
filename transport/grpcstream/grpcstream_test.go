package grpcstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/ggoodman/rtconfig-go/transport/memory"
	"github.com/ggoodman/rtconfig-go/transport/transporttest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBufconnTransport serves hub over an in-memory listener and returns a
// client transport connected to it.
func newBufconnTransport(t *testing.T, hub *memory.Hub, srvOpts []ServerOption, opts ...Option) *Transport {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, hub, append([]ServerOption{WithServerLogger(quietLogger())}, srvOpts...)...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	tr, err := Dial("passthrough:///bufnet", []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestGRPCTransport(t *testing.T) {
	transporttest.RunTransportTests(t, func(t *testing.T) transporttest.Fixture {
		hub := memory.New()
		return transporttest.Fixture{
			Transport: newBufconnTransport(t, hub, nil),
			Publish:   hub.Publish,
			Complete:  hub.Complete,
			Fail:      func() { hub.Fail(transport.Unavailable("upstream reset", nil)) },
		}
	})
}

func TestHardErrorCodeIsRelayed(t *testing.T) {
	hub := memory.New()
	tr := newBufconnTransport(t, hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := tr.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	hub.Fail(transport.Errorf(codes.PermissionDenied, "installation revoked"))
	_, err = s.Recv(ctx)
	if got := transport.Code(err); got != codes.PermissionDenied {
		t.Fatalf("code = %s (%v), want PermissionDenied", got, err)
	}
}

func TestOpen_SourceErrorSurfacesOnOpen(t *testing.T) {
	hub := memory.New()
	hub.SetOpenError(transport.Unavailable("draining", nil))
	tr := newBufconnTransport(t, hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := tr.Open(ctx, 0)
	if err == nil {
		// A trailers-only response may only surface on the first receive.
		defer s.Close()
		_, err = s.Recv(ctx)
	}
	if !transport.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestOpen_Authorization(t *testing.T) {
	hub := memory.New()
	srvOpts := []ServerOption{WithAuthorizer(func(_ context.Context, token string) error {
		if token != "good" {
			return errors.New("bad token")
		}
		return nil
	})}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anon := newBufconnTransport(t, hub, srvOpts)
	s, err := anon.Open(ctx, 0)
	if err == nil {
		defer s.Close()
		_, err = s.Recv(ctx)
	}
	if got := transport.Code(err); got != codes.Unauthenticated {
		t.Fatalf("code = %s (%v), want Unauthenticated", got, err)
	}

	authed := newBufconnTransport(t, hub, srvOpts, WithTokenSource(credentials.Static("good")))
	s2, err := authed.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open with token: %v", err)
	}
	_ = hub.Publish(ctx, 3)
	if sig, err := s2.Recv(ctx); err != nil || sig.Version != 3 {
		t.Fatalf("Recv = %v, %v", sig, err)
	}
	_ = s2.Close()
}

func TestClientCloseReleasesServerStream(t *testing.T) {
	hub := memory.New()
	tr := newBufconnTransport(t, hub, nil)

	s, err := tr.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if hub.Active() != 1 {
		t.Fatalf("active = %d, want 1", hub.Active())
	}
	_ = s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server stream not released after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
