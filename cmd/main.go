package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"dvai-assistant/handler"
	"dvai-assistant/internal/app"
	"dvai-assistant/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	a, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		slog.Error("failed to build assistant", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(a.Ask,
		handler.WithMaxBodyBytes(cfg.MaxBodyBytes),
		handler.WithStreaming(cfg.Streaming),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
