package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/rtconfig-go/transport"
)

var eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger. If not provided, slog.Default()
// is used.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthorizer installs a check run before a stream is opened. Requests for
// which it returns false are rejected with 401.
func WithAuthorizer(f func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.authorize = f }
}

// Handler serves invalidation streams over SSE, relaying signals from any
// transport.Transport (typically a memory.Hub or redisstream.Transport).
type Handler struct {
	source    transport.Transport
	log       *slog.Logger
	authorize func(r *http.Request) bool
}

// NewHandler returns a Handler relaying streams opened on source.
func NewHandler(source transport.Transport, opts ...HandlerOption) *Handler {
	h := &Handler{source: source, log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "sse.accept.unsupported")
		return
	}

	if h.authorize != nil && !h.authorize(r) {
		w.WriteHeader(http.StatusUnauthorized)
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	lastVersion, err := requestedVersion(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The source stream is attached before the response headers go out so that
	// a client whose Open returned cannot miss a signal.
	stream, err := h.source.Open(ctx, lastVersion)
	if err != nil {
		status := http.StatusInternalServerError
		if transport.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "stream unavailable", status)
		h.log.ErrorContext(ctx, "sse.source.open.fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	ew := &eventWriter{Writer: w, Flusher: f}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	ew.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.Uint64("last_version", lastVersion))

	for {
		sig, err := stream.Recv(ctx)
		switch {
		case err == nil:
			payload, _ := json.Marshal(sig)
			if err := ew.writeEvent(strconv.FormatUint(sig.Version, 10), "", payload); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			continue
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			h.log.InfoContext(ctx, "sse.stream.done")
		case errors.Is(err, io.EOF):
			_ = ew.writeEvent("", eventClose, []byte("{}"))
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
		default:
			payload, _ := json.Marshal(errorPayload{Code: transport.Code(err), Message: err.Error()})
			_ = ew.writeEvent("", eventError, payload)
			h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		return
	}
}

// requestedVersion reads the resume version from Last-Event-ID, falling back
// to the version query parameter.
func requestedVersion(r *http.Request) (uint64, error) {
	v := r.Header.Get(lastEventIDHeader)
	if v == "" {
		v = r.URL.Query().Get("version")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resume version %q", v)
	}
	return n, nil
}

// eventWriter serializes frame writes and flushes.
type eventWriter struct {
	io.Writer
	http.Flusher
	mu sync.Mutex
}

func (e *eventWriter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Flusher.Flush()
}

// writeEvent writes one frame and flushes it.
func (e *eventWriter) writeEvent(id, event string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id != "" {
		if _, err := fmt.Fprintf(e.Writer, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(e.Writer, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(e.Writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE data: %w", err)
	}
	e.Flusher.Flush()
	return nil
}

var _ http.Handler = (*Handler)(nil)
