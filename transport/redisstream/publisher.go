package redisstream

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"
)

// defaultMaxLen caps the stream length. Subscribers only ever need the latest
// entry on open, so old entries are trimmed approximately.
const defaultMaxLen = 1000

// Publisher appends invalidation entries to the stream read by Transport.
type Publisher struct {
	client redis.UniversalClient
	owned  bool
	key    string
}

// NewPublisher creates a publisher for the stream selected by cfg.
func NewPublisher(cfg Config, opts ...Option) *Publisher {
	cfg = cfg.withDefaults()
	client, owned := connect(cfg, opts)
	return &Publisher{client: client, owned: owned, key: cfg.streamKey()}
}

// Close closes the Redis client if the publisher created it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}

// Publish announces version to every open stream.
func (p *Publisher) Publish(ctx context.Context, version uint64) error {
	return p.add(ctx, map[string]any{fieldVersion: strconv.FormatUint(version, 10)})
}

// Complete ends every open stream gracefully.
func (p *Publisher) Complete(ctx context.Context) error {
	return p.addTerminal(ctx, map[string]any{fieldEOS: "1"})
}

// Fail ends every open stream with the given status.
func (p *Publisher) Fail(ctx context.Context, code codes.Code, msg string) error {
	return p.addTerminal(ctx, map[string]any{
		fieldCode:    strconv.FormatUint(uint64(code), 10),
		fieldMessage: msg,
	})
}

// Cleanup removes the stream.
func (p *Publisher) Cleanup(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cleanup stream %s: %w", p.key, err)
	}
	return nil
}

// addTerminal copies the current version onto a terminal entry so that a
// stream opened after it still learns the latest version.
func (p *Publisher) addTerminal(ctx context.Context, values map[string]any) error {
	latest, err := p.client.XRevRangeN(ctx, p.key, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to read stream %s: %w", p.key, err)
	}
	if len(latest) == 1 {
		if v, ok := latest[0].Values[fieldVersion]; ok {
			values[fieldVersion] = v
		}
	}
	return p.add(ctx, values)
}

func (p *Publisher) add(ctx context.Context, values map[string]any) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.key,
		MaxLen: defaultMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.key, err)
	}
	return nil
}
