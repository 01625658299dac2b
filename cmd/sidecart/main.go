package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"sidecart/internal/bootstrap"
	"sidecart/internal/config"
	"sidecart/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, env.ToMap(os.Environ()), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code. Cancelling ctx starts a graceful shutdown.
func run(ctx context.Context, environ map[string]string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadFromEnv(environ)
	if err != nil {
		fmt.Fprintf(stderr, "sidecart: %v\n", err)
		return 1
	}

	logger, closeLog, err := logging.New(cfg.Log, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "sidecart: %v\n", err)
		return 1
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	app := bootstrap.New(cfg, logger)
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.Shutdown(sctx)
	}

	if err := app.Init(ctx); err != nil {
		logger.Error("failed to initialize application", "error", err)
		_ = shutdown()
		return 1
	}

	runErr := app.Run(ctx)
	if runErr == nil {
		logger.Info("received shutdown signal, initiating graceful shutdown")
	}
	if err := shutdown(); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	if runErr != nil {
		logger.Error("application error", "error", runErr)
		return 1
	}
	logger.Info("sidecart application stopped")
	return 0
}
