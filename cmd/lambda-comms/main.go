// Package main implements the lambda-comms Lambda handler.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jarrod-lowe/jmap-service-libs/awsinit"

	"github.com/irispro/lambda-comms/internal/app"
	"github.com/irispro/lambda-comms/internal/config"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		panic(err)
	}

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}
	awsCfg := app.WithClientLimits(result.Config, cfg.Region)

	app.LoadSecrets(ctx, cfg, awsCfg, logger)

	d := app.NewDispatcher(cfg, awsCfg, logger)

	logger.Info("Lambda initialized",
		slog.String("smtp_host", cfg.SMTP.Host),
		slog.String("inbound_bucket", cfg.InboundBucket),
		slog.Bool("backups_enabled", cfg.OutputBucket != ""),
	)

	result.Start(d.Handle)
}
