package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"huobi_go/internal/domain"
	"huobi_go/internal/infra"
	"huobi_go/internal/infra/huobi"
	"huobi_go/internal/infra/storage"
	"huobi_go/internal/service"
)

// DefaultConfigPath is where Initialize looks for the config file
const DefaultConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Rest    *huobi.Client
	Stream  *huobi.StreamClient
	Market  *service.MarketService
	Metrics *infra.MetricsServer
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB, clients)
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping Huobi Go...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Metrics endpoint (optional)
	if cfg.Metrics.Addr != "" {
		srv, err := infra.NewMetricsServer(cfg.Metrics.Addr, infra.GlobalMetrics)
		if err != nil {
			return err
		}
		b.Metrics = srv
	}

	// 5. Clients and market state
	b.Rest = huobi.NewClient(cfg)
	opts := huobi.OptionsFromConfig(cfg)
	opts.Logger = logger.With(slog.String("module", "huobi_ws"))
	b.Stream = huobi.NewStreamClient(opts)
	b.Market = service.NewMarketService(store)
	slog.Info("✅ Clients ready", slog.String("ws", b.Stream.URL()), slog.String("rest", cfg.RestBaseURL()))

	return nil
}

// Run starts every component and subscribes to the configured symbols.
// It returns once the subscriptions are queued; the components keep running until ctx is done.
func (b *Bootstrap) Run(ctx context.Context) error {
	cfg := b.Config

	if b.Metrics != nil {
		b.Metrics.Start()
	}

	b.Market.StartProcessor(ctx)
	if err := b.Stream.Start(ctx); err != nil {
		return err
	}

	if len(cfg.Huobi.Symbols) == 0 {
		slog.Warn("No symbols configured, nothing to subscribe")
		return nil
	}

	b.Backfill(ctx)

	return b.Subscribe()
}

// Subscribe opens the live streams: one combined kline connection, then depth and trades per symbol.
func (b *Bootstrap) Subscribe() error {
	cfg := b.Config
	handler := b.Market.Handler()

	key, err := b.Stream.SubKline(cfg.Huobi.Symbols, cfg.Huobi.KlinePeriod, handler)
	if err != nil {
		return fmt.Errorf("subscribe klines: %w", err)
	}
	slog.Info("✅ Kline stream subscribed", slog.String("key", key), slog.Int("symbols", len(cfg.Huobi.Symbols)))

	for _, sym := range cfg.Huobi.Symbols {
		if _, err := b.Stream.SubDepth([]string{sym}, cfg.Huobi.DepthType, handler); err != nil {
			return fmt.Errorf("subscribe depth %s: %w", sym, err)
		}
		if _, err := b.Stream.SubTrade(sym, handler); err != nil {
			return fmt.Errorf("subscribe trades %s: %w", sym, err)
		}
		// One-shot 24h summary until the first detail push arrives
		if _, err := b.Stream.ReqDetail(sym, handler); err != nil {
			return fmt.Errorf("request detail %s: %w", sym, err)
		}
	}
	return nil
}

// Backfill loads recent candles over REST so storage has history before the stream starts
func (b *Bootstrap) Backfill(ctx context.Context) {
	cfg := b.Config
	slog.Info("🔄 Starting kline backfill...", slog.Int("size", cfg.Huobi.BackfillSize))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent requests

	for _, symbol := range cfg.Huobi.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			sym = strings.ToLower(sym)
			klines, err := b.Rest.Kline(ctx, sym, cfg.Huobi.KlinePeriod, cfg.Huobi.BackfillSize)
			if err != nil {
				slog.Warn("Backfill failed", slog.String("symbol", sym), slog.Bool("retriable", domain.IsRetriable(err)), slog.Any("error", err))
				return
			}
			if err := b.Market.ApplyKlines(sym, cfg.Huobi.KlinePeriod, klines); err != nil {
				slog.Error("Failed to store candles", slog.String("symbol", sym), slog.Any("error", err))
				return
			}
			slog.Debug("Backfilled", slog.String("symbol", sym), slog.Int("candles", len(klines)))
		}(symbol)
	}

	wg.Wait()
	slog.Info("✨ Kline backfill completed")
}

// Shutdown stops the stream client, the metrics server and the database
func (b *Bootstrap) Shutdown() {
	if b.Stream != nil {
		b.Stream.Stop()
	}
	if b.Metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Metrics.Shutdown(ctx); err != nil {
			slog.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Database close failed", slog.Any("error", err))
		}
	}
}
