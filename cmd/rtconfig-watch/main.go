// rtconfig-watch keeps a realtime invalidation stream open against a
// configuration service and logs every configuration update it fetches.
// It is useful for verifying connectivity and credentials of a deployment,
// and as a reference for embedding the rtconfig Manager.
//
// Settings come from an optional YAML file (--config) and RTCONFIG_*
// environment variables; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rtconfig "github.com/ggoodman/rtconfig-go"
	"github.com/ggoodman/rtconfig-go/config"
	"github.com/ggoodman/rtconfig-go/fetch/httpfetch"
	"github.com/ggoodman/rtconfig-go/listeners"
	"github.com/ggoodman/rtconfig-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var kind, endpoint, logLevel string
	var printSchema bool

	flagSet := pflag.NewFlagSet("rtconfig-watch", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&kind, "transport", "", "stream transport: sse, websocket, grpc, redis or file")
	flagSet.StringVar(&endpoint, "endpoint", "", "stream endpoint URL or gRPC target")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.BoolVar(&printSchema, "print-config-schema", false, "print the JSON Schema of the config file and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if printSchema {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(b))
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if kind != "" {
		cfg.Transport.Kind = kind
	}
	if endpoint != "" {
		cfg.Transport.Endpoint = endpoint
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watch(ctx, cfg, log)
}

func watch(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	tokens, err := cfg.TokenSource()
	if err != nil {
		return err
	}

	t, err := buildTransport(cfg, tokens, log)
	if err != nil {
		return err
	}

	gw, err := httpfetch.New(cfg.Fetch.Endpoint,
		httpfetch.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.Timeout}),
		httpfetch.WithMinInterval(cfg.Fetch.MinInterval),
		httpfetch.WithTokenSource(tokens),
		httpfetch.WithLogger(log),
	)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	obs := &idleObserver{Collector: collector, idle: make(chan struct{}, 1)}
	unavailable := make(chan error, 1)

	m, err := rtconfig.New(t, gw,
		rtconfig.WithLogger(log),
		rtconfig.WithBackoff(cfg.Backoff()),
		rtconfig.WithObserver(obs),
		rtconfig.WithUnavailableHandler(func(err error) {
			unavailable <- err
		}),
	)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv, err := serveMetrics(cfg.Metrics.Addr, collector, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	m.RegisterListener("log", listeners.ListenerFunc(func(ctx context.Context) error {
		log.InfoContext(ctx, "config.updated", slog.Uint64("version", m.LastVersion()))
		return nil
	}))

	if err := m.Start(); err != nil {
		return err
	}
	log.InfoContext(ctx, "watch.start",
		slog.String("transport", cfg.Transport.Kind),
		slog.String("fetch_endpoint", cfg.Fetch.Endpoint),
	)

	var result error
	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "watch.stop")
	case err := <-unavailable:
		log.ErrorContext(ctx, "watch.unavailable", slog.String("err", err.Error()))
		result = err
	case <-obs.idle:
		// The server ended the stream gracefully; nothing will reopen it.
		log.InfoContext(ctx, "watch.stream.completed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(shutdownCtx, "watch.shutdown.fail", slog.String("err", err.Error()))
	}
	return result
}

// idleObserver reports when the manager falls back to StateIdle on its own,
// which only happens after the server closed the stream gracefully.
type idleObserver struct {
	*metrics.Collector
	idle chan struct{}
}

func (o *idleObserver) StateChanged(from, to rtconfig.State) {
	o.Collector.StateChanged(from, to)
	if to == rtconfig.StateIdle && from != rtconfig.StateIdle {
		select {
		case o.idle <- struct{}{}:
		default:
		}
	}
}

func serveMetrics(addr string, collector *metrics.Collector, log *slog.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := collector.Register(reg); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics.serve.fail", slog.String("err", err.Error()))
		}
	}()
	log.Info("metrics.serve", slog.String("addr", addr))
	return srv, nil
}
