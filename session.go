package rtconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/rtconfig-go/internal/logctx"
	"github.com/ggoodman/rtconfig-go/transport"
)

// session is one attempt at holding the stream open. It reports to its
// manager through handleEvent; once the manager has replaced or dropped it,
// its events are ignored.
type session struct {
	id      string
	attempt int
	ctx     context.Context
	cancel  context.CancelFunc
	// done is closed when the session goroutine has released its stream.
	done chan struct{}
	// signalled is the newest version this session has seen. Guarded by the
	// manager's mu.
	signalled uint64
}

func (s *session) logContext(lastVersion uint64) context.Context {
	return logctx.WithStreamData(s.ctx, &logctx.StreamData{
		SessionID:   s.id,
		Attempt:     s.attempt,
		LastVersion: lastVersion,
	})
}

// runSession drives s until its stream ends or it is cancelled. The previous
// session, if any, must have released its stream before this one opens, so
// at most one stream is ever live.
func (m *Manager) runSession(s *session, prev <-chan struct{}) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	if prev != nil {
		select {
		case <-prev:
		case <-s.ctx.Done():
			return
		}
	}

	last := m.lastVersion.Load()
	ctx := s.logContext(last)
	m.log.DebugContext(ctx, "stream.open")

	stream, err := m.openStream(ctx, last)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		m.log.WarnContext(ctx, "stream.open.fail", slog.String("err", err.Error()))
		m.handleEvent(s, Event{Kind: EventError, Err: err})
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			m.log.DebugContext(ctx, "stream.close.fail", slog.String("err", err.Error()))
		}
	}()

	if !m.handleEvent(s, Event{Kind: EventOpened}) {
		return
	}

	for {
		sig, err := stream.Recv(s.ctx)
		if s.ctx.Err() != nil {
			return
		}

		ev := recvEvent(sig, err)
		if ev.Kind == EventError {
			m.log.WarnContext(ctx, "stream.recv.fail", slog.String("err", ev.Err.Error()))
		}
		if !m.handleEvent(s, ev) || ev.terminal() {
			return
		}
	}
}

// recvEvent classifies the result of a Recv call.
func recvEvent(sig transport.Signal, err error) Event {
	var se *transport.StatusError
	switch {
	case err == nil:
		return Event{Kind: EventSignal, Version: sig.Version}
	case errors.As(err, &se):
		return Event{Kind: EventError, Err: err}
	case errors.Is(err, io.EOF):
		return Event{Kind: EventClosed, Normal: true}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Event{Kind: EventClosed, Err: transport.Unavailable("stream ended abruptly", err)}
	default:
		return Event{Kind: EventError, Err: err}
	}
}

// openStream calls the transport, converting a panic into an error.
func (m *Manager) openStream(ctx context.Context, lastVersion uint64) (stream transport.Stream, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport open panicked: %v", p)
		}
	}()
	stream, err = m.transport.Open(ctx, lastVersion)
	if err == nil && stream == nil {
		err = transport.Unavailable("transport returned no stream", nil)
	}
	return stream, err
}
