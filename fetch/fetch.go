// Package fetch defines the gateway the realtime client calls to retrieve
// configuration after an invalidation signal. The gateway owns its own
// throttling; callers never retry a throttled or failed fetch themselves.
package fetch

import (
	"context"
	"errors"
	"time"
)

// ErrThrottled is returned when the gateway declined to fetch because it is
// currently rate limited.
var ErrThrottled = errors.New("fetch: throttled")

// Snapshot is a versioned configuration payload. Its contents are opaque to
// the realtime client.
type Snapshot struct {
	Version   uint64
	Raw       []byte
	FetchedAt time.Time
}

// Gateway retrieves configuration unless it is currently throttled.
type Gateway interface {
	// FetchIfNotThrottled retrieves configuration at or above minVersion. It
	// returns ErrThrottled (possibly wrapped) when rate limited.
	FetchIfNotThrottled(ctx context.Context, minVersion uint64) (*Snapshot, error)
}

// GatewayFunc adapts an ordinary function to the Gateway interface.
type GatewayFunc func(ctx context.Context, minVersion uint64) (*Snapshot, error)

// FetchIfNotThrottled implements Gateway.
func (f GatewayFunc) FetchIfNotThrottled(ctx context.Context, minVersion uint64) (*Snapshot, error) {
	return f(ctx, minVersion)
}

var _ Gateway = GatewayFunc(nil)
