package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"huobi_go/internal/app"
)

func main() {
	configPath := flag.String("config", app.DefaultConfigPath, "path to the YAML config file")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Shutdown()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Backfill, stream and subscribe
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("❌ Startup failed", slog.Any("error", err))
		return
	}

	slog.InfoContext(ctx, "✨ Huobi market feed fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
}
