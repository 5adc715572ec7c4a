// Package redisstream implements transport.Transport on top of Redis Streams.
//
// A Publisher appends one entry per configuration version to a stream key.
// Each subscriber reads the stream independently with XREAD (no consumer
// group), so every open stream sees every entry. On open, the latest entry is
// inspected and replayed if it is newer than the caller's last-known version;
// reading then continues from that entry's ID so nothing appended in between
// is lost.
//
// Besides version entries a stream may carry terminal entries: an "eos"
// entry completes every open stream gracefully and a "code" entry fails them
// with that status code.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"
)

const (
	fieldVersion = "v"
	fieldEOS     = "eos"
	fieldCode    = "code"
	fieldMessage = "msg"

	defaultBlock = 500 * time.Millisecond
)

// Config for a Redis-backed transport. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: RTCONFIG_REDIS_ADDR
	Addr string `env:"RTCONFIG_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: RTCONFIG_REDIS_KEY_PREFIX
	KeyPrefix string `env:"RTCONFIG_REDIS_KEY_PREFIX,default=rtconfig:"`
	// Namespace selects the stream, typically a project or template id.
	// ENV: RTCONFIG_REDIS_NAMESPACE
	Namespace string `env:"RTCONFIG_REDIS_NAMESPACE,default=default"`
	// Block bounds each XREAD call, and so how quickly Recv notices
	// cancellation. ENV: RTCONFIG_REDIS_BLOCK
	Block time.Duration `env:"RTCONFIG_REDIS_BLOCK,default=500ms"`
}

// ConfigFromEnv populates a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("redisstream: decode env: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rtconfig:"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	return c
}

func (c Config) streamKey() string {
	return c.KeyPrefix + "stream:" + c.Namespace
}

// Option configures a Transport or Publisher.
type Option func(*options)

type options struct {
	client redis.UniversalClient
}

// WithClient uses an existing client instead of dialing cfg.Addr. The caller
// keeps ownership of the client.
func WithClient(c redis.UniversalClient) Option {
	return func(o *options) { o.client = c }
}

func connect(cfg Config, opts []Option) (redis.UniversalClient, bool) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.client != nil {
		return o.client, false
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Addr}), true
}

// Transport opens invalidation streams that read a Redis stream.
type Transport struct {
	client redis.UniversalClient
	owned  bool
	key    string
	block  time.Duration
}

// New creates a Redis-backed transport.
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	client, owned := connect(cfg, opts)
	return &Transport{
		client: client,
		owned:  owned,
		key:    cfg.streamKey(),
		block:  cfg.Block,
	}
}

// NewFromEnv builds a Transport using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Transport, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...), nil
}

// Close closes the Redis client if the transport created it.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	latest, err := t.client.XRevRangeN(ctx, t.key, "+", "-", 1).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transport.Unavailable("read latest entry", err)
	}

	s := &stream{client: t.client, key: t.key, block: t.block, start: "0-0"}
	if len(latest) == 1 {
		msg := latest[0]
		s.start = msg.ID
		if v, ok := entryVersion(msg); ok && v > lastVersion {
			s.queue = append(s.queue, transport.Signal{Version: v})
		}
	}
	return s, nil
}

type stream struct {
	client redis.UniversalClient
	key    string
	block  time.Duration

	start  string
	queue  []transport.Signal
	err    error
	closed atomic.Bool
}

// Recv implements transport.Stream.
func (s *stream) Recv(ctx context.Context) (transport.Signal, error) {
	for {
		if s.closed.Load() {
			return transport.Signal{}, io.EOF
		}
		if len(s.queue) > 0 {
			sig := s.queue[0]
			s.queue = s.queue[1:]
			return sig, nil
		}
		if s.err != nil {
			return transport.Signal{}, s.err
		}
		if err := ctx.Err(); err != nil {
			return transport.Signal{}, err
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.start},
			Count:   16,
			Block:   s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return transport.Signal{}, ctx.Err()
			}
			s.err = transport.Unavailable("read stream", err)
			continue
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				s.start = msg.ID
				if s.err != nil {
					continue
				}
				s.apply(msg)
			}
		}
	}
}

// apply queues a version entry or records a terminal one.
func (s *stream) apply(msg redis.XMessage) {
	if _, ok := msg.Values[fieldEOS]; ok {
		s.err = io.EOF
		return
	}
	if raw, ok := msg.Values[fieldCode]; ok {
		code, _ := strconv.ParseUint(fmt.Sprint(raw), 10, 32)
		text, _ := msg.Values[fieldMessage].(string)
		s.err = &transport.StatusError{Code: codes.Code(code), Msg: text}
		return
	}
	if v, ok := entryVersion(msg); ok {
		s.queue = append(s.queue, transport.Signal{Version: v})
	}
}

// Close implements transport.Stream.
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

func entryVersion(msg redis.XMessage) (uint64, bool) {
	raw, ok := msg.Values[fieldVersion].(string)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Compile-time interface checks
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Stream    = (*stream)(nil)
	_ io.Closer           = (*Transport)(nil)
)
