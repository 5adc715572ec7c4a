package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rtconfig "github.com/ggoodman/rtconfig-go"
	"github.com/ggoodman/rtconfig-go/config"
	"github.com/ggoodman/rtconfig-go/metrics"
	"github.com/ggoodman/rtconfig-go/transport/memory"
	"github.com/ggoodman/rtconfig-go/transport/sse"
)

func TestWatch_ReturnsWhenServerCompletesStream(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := memory.New()

	mux := http.NewServeMux()
	mux.Handle("GET /stream", sse.NewHandler(hub, sse.WithHandlerLogger(log)))
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"version": 1}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Transport.Kind = config.TransportSSE
	cfg.Transport.Endpoint = ts.URL + "/stream"
	cfg.Fetch.Endpoint = ts.URL + "/config"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- watch(ctx, cfg, log) }()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Active() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream not opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Complete()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("watch = %v, want nil after graceful completion", err)
		}
		if ctx.Err() != nil {
			t.Fatal("watch returned only because the test context expired")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return after the server completed the stream")
	}
}

func TestIdleObserver(t *testing.T) {
	o := &idleObserver{Collector: metrics.NewCollector(""), idle: make(chan struct{}, 1)}

	o.StateChanged(rtconfig.StateIdle, rtconfig.StateConnecting)
	o.StateChanged(rtconfig.StateConnecting, rtconfig.StateOpen)
	select {
	case <-o.idle:
		t.Fatal("idle reported while connecting")
	default:
	}

	o.StateChanged(rtconfig.StateOpen, rtconfig.StateIdle)
	o.StateChanged(rtconfig.StateIdle, rtconfig.StateIdle)
	select {
	case <-o.idle:
	default:
		t.Fatal("idle not reported after the stream completed")
	}
}
