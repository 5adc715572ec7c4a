// Package transporttest provides a conformance suite that every
// transport.Transport implementation is expected to pass.
package transporttest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/rtconfig-go/transport"
)

// Fixture bundles a transport under test with the server-side controls the
// suite needs to drive it.
type Fixture struct {
	// Transport is the client side under test.
	Transport transport.Transport
	// Publish makes the server announce version to every open stream.
	Publish func(ctx context.Context, version uint64) error
	// Complete ends every open stream gracefully.
	Complete func()
	// Fail ends every open stream with a retryable failure.
	Fail func()
}

// FixtureFactory creates a fresh fixture for each sub-test. Implementations
// should register their own cleanup with t.Cleanup.
type FixtureFactory func(t *testing.T) Fixture

// RunTransportTests runs the complete transport test suite against the provided factory.
func RunTransportTests(t *testing.T, factory FixtureFactory) {
	t.Run("ReceivesPublishedSignals", func(t *testing.T) {
		testReceivesPublishedSignals(t, factory)
	})
	t.Run("OpenReplaysNewerVersion", func(t *testing.T) {
		testOpenReplaysNewerVersion(t, factory)
	})
	t.Run("OpenSkipsSeenVersion", func(t *testing.T) {
		testOpenSkipsSeenVersion(t, factory)
	})
	t.Run("GracefulCompletion", func(t *testing.T) {
		testGracefulCompletion(t, factory)
	})
	t.Run("FailureIsRetryable", func(t *testing.T) {
		testFailureIsRetryable(t, factory)
	})
	t.Run("RecvContextCancellation", func(t *testing.T) {
		testRecvContextCancellation(t, factory)
	})
	t.Run("CloseIsIdempotent", func(t *testing.T) {
		testCloseIsIdempotent(t, factory)
	})
}

const suiteTimeout = 5 * time.Second

func open(t *testing.T, ctx context.Context, fx Fixture, lastVersion uint64) transport.Stream {
	t.Helper()
	s, err := fx.Transport.Open(ctx, lastVersion)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func expectSignal(t *testing.T, ctx context.Context, s transport.Stream, want uint64) {
	t.Helper()
	sig, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Expected signal %d, got error: %v", want, err)
	}
	if sig.Version != want {
		t.Fatalf("Expected version %d, got %d", want, sig.Version)
	}
}

func testReceivesPublishedSignals(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	s := open(t, ctx, fx, 0)

	for _, v := range []uint64{1, 2, 5} {
		if err := fx.Publish(ctx, v); err != nil {
			t.Fatalf("Failed to publish version %d: %v", v, err)
		}
		expectSignal(t, ctx, s, v)
	}
}

func testOpenReplaysNewerVersion(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	if err := fx.Publish(ctx, 7); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	s := open(t, ctx, fx, 3)
	expectSignal(t, ctx, s, 7)
}

func testOpenSkipsSeenVersion(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	if err := fx.Publish(ctx, 4); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	s := open(t, ctx, fx, 4)

	if err := fx.Publish(ctx, 9); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	// Version 4 was already seen, so the first signal must be 9.
	expectSignal(t, ctx, s, 9)
}

func testGracefulCompletion(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	s := open(t, ctx, fx, 0)

	// A signal round trip guarantees the server side is attached.
	if err := fx.Publish(ctx, 1); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	expectSignal(t, ctx, s, 1)

	fx.Complete()

	_, err := s.Recv(ctx)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF after graceful completion, got: %v", err)
	}
}

func testFailureIsRetryable(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	s := open(t, ctx, fx, 0)

	if err := fx.Publish(ctx, 1); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	expectSignal(t, ctx, s, 1)

	fx.Fail()

	_, err := s.Recv(ctx)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Expected a stream failure, got: %v", err)
	}
	if !transport.IsRetryable(err) {
		t.Fatalf("Expected a retryable failure, got: %v (code %s)", err, transport.Code(err))
	}
}

func testRecvContextCancellation(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	s := open(t, ctx, fx, 0)

	recvCtx, recvCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := s.Recv(recvCtx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	recvCancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after context cancellation")
	}
}

func testCloseIsIdempotent(t *testing.T, factory FixtureFactory) {
	fx := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()

	s, err := fx.Transport.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close stream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}
