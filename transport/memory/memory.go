// Package memory provides an in-process implementation of transport.Transport.
// A Hub holds the current configuration version and fans signals out to every
// open stream. It is suitable for single-process deployments, for relaying
// signals through the wire transports' server handlers, and for tests.
package memory

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/rtconfig-go/transport"
)

// Hub implements transport.Transport using in-memory queues.
type Hub struct {
	mu      sync.Mutex
	version uint64
	streams map[*stream]struct{}
	openErr error

	opens     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

// stream is a single open call against the hub.
type stream struct {
	hub *Hub

	mu     sync.Mutex
	queue  []transport.Signal
	endErr error // io.EOF for graceful completion
	wake   chan struct{}
	closed atomic.Bool
}

// New creates an empty hub at version 0.
func New() *Hub {
	return &Hub{streams: make(map[*stream]struct{})}
}

// Open implements transport.Transport. If the hub already holds a version
// newer than lastVersion the stream starts with a signal for it.
func (h *Hub) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.opens.Add(1)
	if h.openErr != nil {
		return nil, h.openErr
	}

	s := &stream{hub: h, wake: make(chan struct{}, 1)}
	if h.version > lastVersion {
		s.queue = append(s.queue, transport.Signal{Version: h.version})
	}
	h.streams[s] = struct{}{}

	n := h.active.Add(1)
	for {
		max := h.maxActive.Load()
		if n <= max || h.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	return s, nil
}

// Publish records version as current and delivers a signal to every open
// stream. Versions lower than the current one are ignored.
func (h *Hub) Publish(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if version < h.version {
		return nil
	}
	h.version = version

	for s := range h.streams {
		s.push(transport.Signal{Version: version})
	}
	return nil
}

// Complete ends every open stream gracefully. Queued signals are still
// delivered before Recv reports io.EOF.
func (h *Hub) Complete() {
	h.endAll(io.EOF)
}

// Fail ends every open stream with err after queued signals are drained.
func (h *Hub) Fail(err error) {
	h.endAll(err)
}

// SetOpenError makes subsequent Open calls fail with err. Pass nil to accept
// connections again.
func (h *Hub) SetOpenError(err error) {
	h.mu.Lock()
	h.openErr = err
	h.mu.Unlock()
}

// Version returns the latest published version.
func (h *Hub) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Opens reports how many Open calls the hub has seen, including failed ones.
func (h *Hub) Opens() int64 { return h.opens.Load() }

// Active reports how many streams are currently open.
func (h *Hub) Active() int64 { return h.active.Load() }

// MaxActive reports the highest number of simultaneously open streams.
func (h *Hub) MaxActive() int64 { return h.maxActive.Load() }

func (h *Hub) endAll(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.streams {
		s.end(err)
		delete(h.streams, s)
	}
}

func (s *stream) push(sig transport.Signal) {
	s.mu.Lock()
	if s.endErr == nil {
		s.queue = append(s.queue, sig)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *stream) end(err error) {
	s.mu.Lock()
	if s.endErr == nil {
		s.endErr = err
	}
	s.mu.Unlock()
	s.notify()
}

func (s *stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv implements transport.Stream.
func (s *stream) Recv(ctx context.Context) (transport.Signal, error) {
	for {
		if s.closed.Load() {
			return transport.Signal{}, io.EOF
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			sig := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return sig, nil
		}
		endErr := s.endErr
		s.mu.Unlock()

		if endErr != nil {
			return transport.Signal{}, endErr
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return transport.Signal{}, ctx.Err()
		}
	}
}

// Close implements transport.Stream.
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.hub.mu.Lock()
		delete(s.hub.streams, s)
		s.hub.mu.Unlock()

		s.hub.active.Add(-1)
		s.notify()
	}
	return nil
}

// Compile-time interface checks
var (
	_ transport.Transport = (*Hub)(nil)
	_ transport.Stream    = (*stream)(nil)
)
