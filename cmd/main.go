package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"smartroom-gateway/internal/app"
	"smartroom-gateway/internal/camera"
	"smartroom-gateway/internal/camera/v4l"
	"smartroom-gateway/internal/config"
	"smartroom-gateway/internal/logging"
	"smartroom-gateway/internal/metrics"
)

var version = "dev"
var appName = "smartroom-gateway"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("unhandled panic", "panic", r, "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{
		Metrics: metrics.New(),
		Logger:  logger,
		OpenCamera: func(context.Context) (camera.Source, error) {
			src, err := v4l.Open(v4l.Options{
				Device:    cfg.CameraDevice,
				Width:     cfg.FrameWidth,
				Height:    cfg.FrameHeight,
				FrameRate: cfg.FrameRate,
			})
			if err != nil {
				return nil, err
			}
			return src, nil
		},
	}

	if err := app.Run(ctx, cfg, deps); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shut down")
}
