// Package sse carries invalidation signals over Server-Sent Events.
//
// The client issues a GET with Accept: text/event-stream and resumes from its
// last-known version via the Last-Event-ID header. Each signal is an SSE
// message whose id is the version and whose data is {"version":N}. The server
// ends a stream gracefully with an "event: close" frame and reports failures
// with an "event: error" frame carrying a status code. A body that ends
// without either frame is treated as a retryable failure.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/ggoodman/rtconfig-go/transport"
	"google.golang.org/grpc/codes"
)

var eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

const (
	lastEventIDHeader = "Last-Event-ID"

	eventClose = "close"
	eventError = "error"
)

// errorPayload is the data of an "event: error" frame.
type errorPayload struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

// Option configures the Transport.
type Option func(*Transport)

// WithHTTPClient sets the HTTP client. The client must not impose a total
// request timeout, since streams are long-lived.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTokenSource attaches a bearer token to every stream request.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(t *Transport) { t.tokens = ts }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport opens SSE invalidation streams against a single endpoint.
type Transport struct {
	endpoint *url.URL
	client   *http.Client
	tokens   credentials.TokenSource
	log      *slog.Logger
}

// New builds a transport for endpoint, which must be an absolute http(s) URL.
func New(endpoint string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("sse: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sse: endpoint must use http or https, got %q", u.Scheme)
	}

	t := &Transport{
		endpoint: u,
		client:   &http.Client{},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Open implements transport.Transport. It returns once the server has
// accepted the stream and sent its response headers.
func (t *Transport) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.endpoint.String(), nil)
	if err != nil {
		cancel()
		return nil, transport.Errorf(codes.Internal, "build request: %v", err)
	}
	req.Header.Set("Accept", eventStreamMediaType.String())
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(lastEventIDHeader, strconv.FormatUint(lastVersion, 10))

	auth, err := credentials.BearerHeader(ctx, t.tokens)
	if err != nil {
		cancel()
		return nil, transport.Errorf(codes.Unauthenticated, "%v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transport.Unavailable("connect", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, &transport.StatusError{
			Code: transport.FromHTTPStatus(resp.StatusCode),
			Msg:  fmt.Sprintf("GET %s: %d %s", t.endpoint.Path, resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	mt, err := contenttype.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !mt.Matches(eventStreamMediaType) {
		resp.Body.Close()
		cancel()
		return nil, transport.Errorf(codes.Internal, "unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	t.log.DebugContext(ctx, "sse.stream.open", slog.Uint64("last_version", lastVersion))

	s := &stream{
		body:    resp.Body,
		cancel:  cancel,
		results: make(chan result),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type result struct {
	sig transport.Signal
	err error
}

type stream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
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

// Close implements transport.Stream.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.body.Close()
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

// readLoop parses frames from the body until a terminal frame or a read
// error, delivering each to Recv.
func (s *stream) readLoop() {
	br := bufio.NewReader(s.body)

	var event string
	var data strings.Builder

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.deliver(result{err: transport.Unavailable("read", err)})
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "":
				// comment
			case "event":
				event = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
			continue
		}

		if event == "" && data.Len() == 0 {
			continue
		}

		r, terminal, ok := dispatch(event, data.String())
		event = ""
		data.Reset()
		if !ok {
			continue
		}

		if !s.deliver(r) || terminal {
			return
		}
	}
}

// dispatch turns a complete frame into a Recv result. Frames with an
// unrecognized event name are skipped.
func dispatch(event, data string) (r result, terminal, ok bool) {
	switch event {
	case eventClose:
		return result{err: io.EOF}, true, true
	case eventError:
		var p errorPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return result{err: transport.Errorf(codes.Internal, "malformed error frame: %v", err)}, true, true
		}
		return result{err: &transport.StatusError{Code: p.Code, Msg: p.Message}}, true, true
	case "", "message":
		var sig transport.Signal
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			return result{err: transport.Errorf(codes.Internal, "malformed signal: %v", err)}, true, true
		}
		return result{sig: sig}, false, true
	default:
		return result{}, false, false
	}
}

// Compile-time interface checks
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Stream    = (*stream)(nil)
)
