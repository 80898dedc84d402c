// Command engine is the workflow orchestration core's process entrypoint:
// config/store/registry/engine/telemetry/logging wiring, one liveness
// endpoint, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskforge/workflowengine/internal/auth"
	"github.com/taskforge/workflowengine/internal/config"
	"github.com/taskforge/workflowengine/internal/engine"
	"github.com/taskforge/workflowengine/internal/eventbus"
	"github.com/taskforge/workflowengine/internal/handler"
	"github.com/taskforge/workflowengine/internal/logging"
	"github.com/taskforge/workflowengine/internal/store"
	"github.com/taskforge/workflowengine/internal/telemetry"
)

func main() {
	const service = "workflowengine"

	configPath := flag.String("config", "", "path to an optional YAML config overlay")
	addr := flag.String("addr", ":8080", "liveness endpoint listen address")
	flag.Parse()

	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, promHandler, metrics := telemetry.InitMetrics(ctx, service)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		return
	}

	db, err := store.OpenBolt(cfg.Engine.StorePath)
	if err != nil {
		slog.Error("store open failed", "error", err)
		return
	}
	defer db.Close()

	bus, err := eventbus.NewDefault()
	if err != nil {
		slog.Error("event bus init failed", "error", err)
		return
	}

	eng, err := engine.New(cfg, db, bus, handler.NewRegistry(), auth.NewAllowAll(cfg.Auth), metrics)
	if err != nil {
		slog.Error("engine init failed", "error", err)
		return
	}
	eng.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("liveness server error", "error", err)
			cancel()
		}
	}()

	slog.Info("workflowengine started", "addr", *addr, "store", cfg.Engine.StorePath)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = eng.Stop(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
