package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nightstack/internal/cli"
	"nightstack/internal/config"
	"nightstack/internal/logging"
	"nightstack/internal/magick"
	"nightstack/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		return 1
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to set up logging:", err)
		return 1
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("could not open catalog", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()
	defer magick.Terminate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, logger, store).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
