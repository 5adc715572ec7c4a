package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/gorilla/websocket"
)

// maxCloseReason is the largest close reason that fits a control frame.
const maxCloseReason = 123

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

// WithAuthorizer installs a check run before the upgrade. Requests for which it
// returns false are rejected with 401.
func WithAuthorizer(f func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.authorize = f }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(f func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = f }
}

// Handler upgrades requests to websockets and relays signals from any
// transport.Transport.
type Handler struct {
	source    transport.Transport
	upgrader  websocket.Upgrader
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
	if h.authorize != nil && !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.log.InfoContext(r.Context(), "auth.fail")
		return
	}

	var lastVersion uint64
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		lastVersion = n
	}

	// r.Context() is not cancelled when a hijacked connection drops; the read
	// loop below cancels ctx instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.source.Open(ctx, lastVersion)
	if err != nil {
		status := http.StatusInternalServerError
		if transport.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "stream unavailable", status)
		h.log.ErrorContext(ctx, "ws.source.open.fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	h.log.InfoContext(ctx, "ws.stream.start", slog.Uint64("last_version", lastVersion))

	// Reads only drive control frames; the client never sends data.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		sig, err := stream.Recv(ctx)
		if err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(sig); err != nil {
				h.log.WarnContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				return
			}
			continue
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			h.log.InfoContext(ctx, "ws.stream.done")
			return
		}

		reason := ""
		if code := closeCode(err); code != websocket.CloseNormalClosure {
			reason = err.Error()
			if len(reason) > maxCloseReason {
				reason = reason[:maxCloseReason]
			}
			h.log.WarnContext(ctx, "ws.stream.fail", slog.String("err", err.Error()))
		} else {
			h.log.InfoContext(ctx, "ws.stream.end")
		}
		msg := websocket.FormatCloseMessage(closeCode(err), reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))

		// Wait for the client to echo the close frame.
		select {
		case <-readDone:
		case <-time.After(time.Second):
		}
		return
	}
}

var _ http.Handler = (*Handler)(nil)
