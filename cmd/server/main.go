package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dvai-assistant/handler"
	"dvai-assistant/internal/app"
	"dvai-assistant/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	a, err := app.Build(runCtx, cfg, logger, reg)
	if err != nil {
		slog.Error("failed to build assistant", "err", err)
		os.Exit(1)
	}

	router, err := handler.NewRouter(a.Ask, a, a.Metrics.Handler(),
		handler.WithMaxBodyBytes(cfg.MaxBodyBytes),
		handler.WithStreaming(cfg.Streaming),
	)
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}

	go a.Sweeper.Run(runCtx, cfg.SweepInterval)

	go func() {
		slog.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	if err := a.Close(shutdownCtx); err != nil {
		slog.Warn("flush on shutdown failed", "err", err)
	}

	slog.Info("shutdown complete")
}
