// Package httpfetch implements fetch.Gateway over plain HTTP. Requests are
// rate limited client-side with a token bucket, and a 429 response from the
// server suppresses further fetches until its Retry-After elapses.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/ggoodman/rtconfig-go/fetch"
	"golang.org/x/time/rate"
)

const (
	// VersionHeader optionally carries the template version of the response.
	VersionHeader = "X-Config-Version"

	defaultMinInterval = 5 * time.Second
	defaultRetryAfter  = time.Minute
	maxBodyBytes       = 8 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures the Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the HTTP client. Defaults to a client with a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// WithMinInterval sets the minimum spacing between fetches. A non-positive
// interval disables client-side rate limiting.
func WithMinInterval(d time.Duration) Option {
	return func(g *Gateway) { g.minInterval = d }
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(g *Gateway) { g.tokens = ts }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway fetches configuration from an HTTP endpoint.
type Gateway struct {
	endpoint    *url.URL
	client      *http.Client
	tokens      credentials.TokenSource
	log         *slog.Logger
	now         func() time.Time
	minInterval time.Duration
	limiter     *rate.Limiter

	mu             sync.Mutex
	throttledUntil time.Time
}

// New builds a gateway for endpoint, which must be an absolute http(s) URL.
func New(endpoint string, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpfetch: endpoint must use http or https, got %q", u.Scheme)
	}

	g := &Gateway{
		endpoint:    u,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         slog.Default(),
		now:         time.Now,
		minInterval: defaultMinInterval,
	}
	for _, o := range opts {
		o(g)
	}
	if g.minInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(g.minInterval), 1)
	} else {
		g.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return g, nil
}

// FetchIfNotThrottled implements fetch.Gateway.
func (g *Gateway) FetchIfNotThrottled(ctx context.Context, minVersion uint64) (*fetch.Snapshot, error) {
	now := g.now()

	g.mu.Lock()
	until := g.throttledUntil
	g.mu.Unlock()
	if now.Before(until) {
		g.log.DebugContext(ctx, "fetch.throttled", slog.Time("until", until))
		return nil, fmt.Errorf("%w: server asked to wait until %s", fetch.ErrThrottled, until.Format(time.RFC3339))
	}
	if !g.limiter.AllowN(now, 1) {
		g.log.DebugContext(ctx, "fetch.rate_limited")
		return nil, fmt.Errorf("%w: client rate limit", fetch.ErrThrottled)
	}

	u := *g.endpoint
	q := u.Query()
	q.Set("minVersion", strconv.FormatUint(minVersion, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: build request: %w", err)
	}
	req.Header.Set("Accept", jsonMediaType.String())
	auth, err := credentials.BearerHeader(ctx, g.tokens)
	if err != nil {
		return nil, err
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), now)
		g.mu.Lock()
		g.throttledUntil = now.Add(wait)
		g.mu.Unlock()
		g.log.WarnContext(ctx, "fetch.server_throttled", slog.Duration("retry_after", wait))
		return nil, fmt.Errorf("%w: server returned 429", fetch.ErrThrottled)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("httpfetch: GET %s: %d %s", g.endpoint.Path, resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httpfetch: read body: %w", err)
	}

	snap := &fetch.Snapshot{Raw: raw, FetchedAt: now}
	if v := resp.Header.Get(VersionHeader); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			snap.Version = n
		}
	}
	if snap.Version == 0 && isJSON(resp) {
		var envelope struct {
			Version uint64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil {
			snap.Version = envelope.Version
		}
	}
	return snap, nil
}

func isJSON(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, err := contenttype.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt.Matches(jsonMediaType)
}

// parseRetryAfter accepts either delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return defaultRetryAfter
}

var _ fetch.Gateway = (*Gateway)(nil)
