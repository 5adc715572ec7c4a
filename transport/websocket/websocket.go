// Package websocket carries invalidation signals over a WebSocket connection.
//
// The client dials the endpoint with the last-known version in the version
// query parameter. The server sends one JSON text message, {"version":N}, per
// signal. A normal closure (1000) ends the stream gracefully. Failures are
// reported with close code 4000 plus the status code, so a relayed Unavailable
// arrives as 4014; going-away, abnormal and try-again-later closures are
// retryable as well.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
)

const (
	// statusCloseBase is added to a status code to form an application close
	// code.
	statusCloseBase = 4000

	writeTimeout = 10 * time.Second

	defaultPingInterval = 30 * time.Second
)

// Option configures the Transport.
type Option func(*Transport)

// WithDialer sets the websocket dialer. Defaults to websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithTokenSource attaches a bearer token to the upgrade request.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(t *Transport) { t.tokens = ts }
}

// WithPingInterval sets how often the client pings the server. The
// connection is considered dead when no pong or message arrives within two
// intervals.
func WithPingInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pingInterval = d
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport opens websocket invalidation streams against a single endpoint.
type Transport struct {
	endpoint     *url.URL
	dialer       *websocket.Dialer
	tokens       credentials.TokenSource
	pingInterval time.Duration
	log          *slog.Logger
}

// New builds a transport for endpoint, which must be an absolute ws(s) URL.
func New(endpoint string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("websocket: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket: endpoint must use ws or wss, got %q", u.Scheme)
	}

	t := &Transport{
		endpoint:     u,
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	u := *t.endpoint
	q := u.Query()
	q.Set("version", strconv.FormatUint(lastVersion, 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	auth, err := credentials.BearerHeader(ctx, t.tokens)
	if err != nil {
		return nil, transport.Errorf(codes.Unauthenticated, "%v", err)
	}
	if auth != "" {
		header.Set("Authorization", auth)
	}

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			resp.Body.Close()
			return nil, &transport.StatusError{
				Code: transport.FromHTTPStatus(resp.StatusCode),
				Msg:  fmt.Sprintf("upgrade %s: %d", t.endpoint.Path, resp.StatusCode),
				Err:  err,
			}
		}
		return nil, transport.Unavailable("dial", err)
	}

	t.log.DebugContext(ctx, "ws.stream.open", slog.Uint64("last_version", lastVersion))

	s := &stream{
		conn:    conn,
		results: make(chan result),
		done:    make(chan struct{}),
	}

	deadline := 2 * t.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	go s.readLoop(deadline)
	go s.pingLoop(t.pingInterval)
	return s, nil
}

type result struct {
	sig transport.Signal
	err error
}

type stream struct {
	conn    *websocket.Conn
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

// Close implements transport.Stream. It sends a normal closure so the server
// can release its side before the connection is torn down.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
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

func (s *stream) readLoop(deadline time.Duration) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(result{err: closeError(err)})
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

		var sig transport.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			s.deliver(result{err: transport.Errorf(codes.Internal, "malformed signal: %v", err)})
			return
		}
		if !s.deliver(result{sig: sig}) {
			return
		}
	}
}

func (s *stream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// closeError classifies a read failure.
func closeError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return transport.Unavailable("read", err)
	}

	switch {
	case ce.Code == websocket.CloseNormalClosure:
		return io.EOF
	case ce.Code > statusCloseBase && ce.Code <= statusCloseBase+int(codes.Unauthenticated):
		return &transport.StatusError{Code: codes.Code(ce.Code - statusCloseBase), Msg: ce.Text}
	case ce.Code == websocket.CloseGoingAway,
		ce.Code == websocket.CloseAbnormalClosure,
		ce.Code == websocket.CloseServiceRestart,
		ce.Code == websocket.CloseTryAgainLater:
		return transport.Unavailable("connection closed", err)
	case ce.Code == websocket.ClosePolicyViolation:
		return &transport.StatusError{Code: codes.PermissionDenied, Msg: ce.Text, Err: err}
	default:
		return &transport.StatusError{Code: codes.Unknown, Msg: "connection closed", Err: err}
	}
}

// closeCode returns the close code a server sends for err.
func closeCode(err error) int {
	if errors.Is(err, io.EOF) {
		return websocket.CloseNormalClosure
	}
	return statusCloseBase + int(transport.Code(err))
}

// Compile-time interface checks
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Stream    = (*stream)(nil)
)
