package filewatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/ggoodman/rtconfig-go/transport/transporttest"
	"google.golang.org/grpc/codes"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (*Transport, *Writer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "version.yaml")
	tr, err := New(path, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, NewWriter(tr.Path())
}

func TestFileWatchTransport(t *testing.T) {
	transporttest.RunTransportTests(t, func(t *testing.T) transporttest.Fixture {
		tr, w := newFixture(t)
		return transporttest.Fixture{
			Transport: tr,
			Publish:   w.Publish,
			Complete:  func() { _ = w.Complete(context.Background()) },
			Fail:      func() { _ = w.Fail(context.Background(), codes.Unavailable, "agent restarting") },
		}
	})
}

func TestNew_RequiresPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_MissingDirectoryIsRetryable(t *testing.T) {
	tr, err := New(filepath.Join(t.TempDir(), "missing", "version.yaml"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = tr.Open(context.Background(), 0)
	if !transport.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestStaleTerminalEntryIsIgnoredOnOpen(t *testing.T) {
	tr, w := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.Publish(ctx, 2); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := w.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	s, err := tr.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sig, err := s.Recv(ctx)
	if err != nil || sig.Version != 2 {
		t.Fatalf("Recv = %v, %v; want version 2", sig, err)
	}

	if err := w.Publish(ctx, 3); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sig, err = s.Recv(ctx)
	if err != nil || sig.Version != 3 {
		t.Fatalf("Recv = %v, %v; want version 3", sig, err)
	}
}

func TestHardFailureCodeIsReported(t *testing.T) {
	tr, w := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := tr.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := w.Fail(ctx, codes.PermissionDenied, "project revoked"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	_, err = s.Recv(ctx)
	if got := transport.Code(err); got != codes.PermissionDenied {
		t.Fatalf("code = %s (%v), want PermissionDenied", got, err)
	}

	// The terminal result is replayed.
	if _, again := s.Recv(ctx); transport.Code(again) != codes.PermissionDenied {
		t.Fatalf("second Recv = %v", again)
	}
}

func TestRemovingFileIsRetryable(t *testing.T) {
	tr, w := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.Publish(ctx, 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	s, err := tr.Open(ctx, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := os.Remove(tr.Path()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, err = s.Recv(ctx)
	if errors.Is(err, io.EOF) || !transport.IsRetryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
}

func TestMalformedDocumentIsSkipped(t *testing.T) {
	tr, w := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := tr.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := os.WriteFile(tr.Path(), []byte("version: [not a number"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := w.Publish(ctx, 4); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sig, err := s.Recv(ctx)
	if err != nil || sig.Version != 4 {
		t.Fatalf("Recv = %v, %v; want version 4", sig, err)
	}
}
