package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tars-ai/tars-core/internal/config"
	"github.com/tars-ai/tars-core/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "tars.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "tarsd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Telemetry.SlogLevel(),
	}))
	logger.Info("starting",
		slog.String("runtime", cfg.RuntimeName),
		slog.String("environment", cfg.Environment),
		slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
