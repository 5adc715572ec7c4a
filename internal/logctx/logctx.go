package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the stream session data carried by the
// context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("session_id", sd.SessionID),
			slog.Int("attempt", sd.Attempt),
			slog.Uint64("last_version", sd.LastVersion),
		))
	}

	if fd, ok := ctx.Value(fetchDataKey{}).(*FetchData); ok {
		r.AddAttrs(slog.Group("fetch",
			slog.Uint64("min_version", fd.MinVersion),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type streamDataKey struct{}

type StreamData struct {
	SessionID   string
	Attempt     int
	LastVersion uint64
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}

type fetchDataKey struct{}

type FetchData struct {
	MinVersion uint64
}

func WithFetchData(ctx context.Context, data *FetchData) context.Context {
	return context.WithValue(ctx, fetchDataKey{}, data)
}
