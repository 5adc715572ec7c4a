package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/ggoodman/rtconfig-go/config"
	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/ggoodman/rtconfig-go/transport"
	"github.com/ggoodman/rtconfig-go/transport/filewatch"
	"github.com/ggoodman/rtconfig-go/transport/grpcstream"
	"github.com/ggoodman/rtconfig-go/transport/redisstream"
	"github.com/ggoodman/rtconfig-go/transport/sse"
	"github.com/ggoodman/rtconfig-go/transport/websocket"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// buildTransport constructs the stream transport selected by cfg. Transports
// that hold connections implement io.Closer and are released by the manager
// on shutdown.
func buildTransport(cfg *config.Config, tokens credentials.TokenSource, log *slog.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportSSE:
		return sse.New(tc.Endpoint,
			sse.WithTokenSource(tokens),
			sse.WithLogger(log),
		)
	case config.TransportWebSocket:
		return websocket.New(tc.Endpoint,
			websocket.WithTokenSource(tokens),
			websocket.WithPingInterval(tc.PingInterval),
			websocket.WithLogger(log),
		)
	case config.TransportGRPC:
		tlsCreds := grpccreds.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		if tc.Insecure {
			tlsCreds = insecure.NewCredentials()
		}
		return grpcstream.Dial(tc.Endpoint,
			[]grpc.DialOption{grpc.WithTransportCredentials(tlsCreds)},
			grpcstream.WithTokenSource(tokens),
			grpcstream.WithLogger(log),
		)
	case config.TransportRedis:
		return redisstream.New(redisstream.Config{
			Addr:      tc.Redis.Addr,
			KeyPrefix: tc.Redis.KeyPrefix,
			Namespace: tc.Redis.Namespace,
			Block:     tc.Redis.Block,
		}), nil
	case config.TransportFile:
		return filewatch.New(tc.File, filewatch.WithLogger(log))
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}
