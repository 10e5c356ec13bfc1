package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"shipment-qna/internal/bootstrap"
	"shipment-qna/internal/config"
	"shipment-qna/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	// ---- Clients and handler ----
	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "err", err)
		os.Exit(1)
	}
	defer func() { _ = app.Close() }()

	lambda.Start(app.Handler.Handle)
}
