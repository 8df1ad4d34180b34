// cmd/ingestor/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/curvestream/curvestream/internal/config"
	"github.com/curvestream/curvestream/internal/dex/amm"
	"github.com/curvestream/curvestream/internal/dex/curve"
	"github.com/curvestream/curvestream/internal/events"
	"github.com/curvestream/curvestream/internal/ingest"
	"github.com/curvestream/curvestream/internal/logger"
	"github.com/curvestream/curvestream/internal/parser"
	"github.com/curvestream/curvestream/internal/perfmon"
	"github.com/curvestream/curvestream/internal/poolcache"
	"github.com/curvestream/curvestream/internal/pricing"
	"github.com/curvestream/curvestream/internal/recovery"
	"github.com/curvestream/curvestream/internal/recovery/adapters"
	"github.com/curvestream/curvestream/internal/solprice"
	"github.com/curvestream/curvestream/internal/storage"
	"github.com/curvestream/curvestream/internal/storage/models"
	"github.com/curvestream/curvestream/internal/storage/postgres"
	"github.com/curvestream/curvestream/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply either way)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Error("Invalid configuration", zap.Error(err))
		return 1
	}

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxAgeDays:  cfg.LogMaxAgeDays,
		MaxBackups:  cfg.LogMaxBackups,
		Compress:    cfg.LogCompress,
		Development: cfg.Development,
	})
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Error("Failed to build logger", zap.Error(err))
		return 1
	}
	defer log.Sync()

	log.Info("Starting ingestor",
		zap.String("stream_url", cfg.StreamURL),
		zap.String("commitment", cfg.Commitment))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, log.Logger)
	if err != nil {
		log.Error("Failed to open store", zap.Error(err))
		return 1
	}
	defer store.Close()

	bus := events.NewBus(log.Logger, 1024)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(shutdownCtx)
	}()

	rates := solprice.New(cfg.SolPriceURL, time.Minute, store, log.Logger)
	engine := pricing.NewEngine(pricing.Params{
		TokenDecimals:      cfg.TokenDecimals,
		SolDecimals:        9,
		FullyDilutedSupply: cfg.FullyDilutedSupply,
		StartSOL:           cfg.BCStartSOL,
		TargetSOL:          cfg.BCTargetSOL,
	})
	cache := poolcache.NewCache(log.Logger, bus)
	writer := storage.NewWriter(storage.WriterConfig{
		BatchSize: cfg.BatchSize,
		Interval:  cfg.BatchInterval(),
	}, store, log.Logger)

	curveStream := newStreamManager(cfg, curve.ProgramID.String(), store, bus, log.Logger)
	ammStream := newStreamManager(cfg, amm.ProgramID.String(), store, bus, log.Logger)
	managers := []*stream.Manager{curveStream, ammStream}

	monitor := perfmon.NewMonitor(perfmon.Config{
		Thresholds: perfmon.DefaultThresholds(),
	}, store, perfmon.Probes{
		QueueDepth:        func() int { return writer.Stats().Queued },
		ActiveConnections: func() int { return countConnected(managers) },
		StreamLag:         func() time.Duration { return maxMessageAge(managers) },
		MissedRatePct:     func() float64 { return missedRate(managers) },
		MessageTotals:     func() (uint64, uint64) { return streamTotals(managers) },
	}, bus, nil, log.Logger)

	bus.SubscribeFunc(events.ParseSucceeded, func(_ context.Context, ev events.Event) error {
		if e, ok := ev.(events.ParseSucceededEvent); ok {
			monitor.RecordParse(e.Strategy)
		}
		return nil
	})
	bus.SubscribeFunc(events.ParseFailed, func(_ context.Context, _ events.Event) error {
		monitor.RecordParseFailure()
		return nil
	})

	handler := ingest.NewHandler(ingest.Config{
		MarketCapThresholdUSD: cfg.MarketCapThresholdUSD,
		DivergenceWarnPct:     cfg.PriceDivergenceWarnPct,
		DefaultSolReserves:    curve.DefaultVirtualSolReserves,
		DefaultTokenReserves:  curve.DefaultVirtualTokenReserves,
	}, engine, cache, writer, store, rates, bus, log.Logger)

	registry := parser.NewDefaultRegistry(log.Logger, bus)
	curvePipeline := ingest.NewPipeline(registry, handler, cache, writer, monitor, log.Logger)
	ammPipeline := ingest.NewPipeline(registry, handler, cache, writer, monitor, log.Logger)

	detector := recovery.NewDetector(recovery.Config{
		StaleThreshold:           cfg.StaleThreshold(),
		CriticalStale:            cfg.CriticalStale(),
		ScanInterval:             cfg.ScanInterval(),
		BatchSize:                cfg.RecoveryBatchSize,
		MaxConcurrent:            cfg.MaxConcurrentRecoveries,
		MaxRetries:               cfg.MaxRecoveryRetries,
		EnableStartupRecovery:    cfg.EnableStartupRecovery,
		StartupRecoveryThreshold: cfg.StartupRecoveryThreshold(),
	}, store, buildAdapterChain(cfg, store, engine, rates, log.Logger), bus, log.Logger)

	if err := rates.Start(rootCtx); err != nil {
		log.Warn("SOL/USD service failed to start", zap.Error(err))
	}

	// Streams stop on the signal context. Pipelines drain until the update
	// channels close, then the writer flushes what is queued, then the
	// detector and monitor wind down.
	streams, streamCtx := errgroup.WithContext(rootCtx)
	streams.Go(func() error { return curveStream.Run(streamCtx) })
	streams.Go(func() error { return ammStream.Run(streamCtx) })

	pipelines := new(errgroup.Group)
	pipelines.Go(func() error {
		return curvePipeline.Run(context.Background(), curveStream.Updates())
	})
	pipelines.Go(func() error {
		return ammPipeline.Run(context.Background(), ammStream.Updates())
	})

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = writer.Run(writerCtx)
	}()

	auxCtx, stopAux := context.WithCancel(context.Background())
	aux := new(errgroup.Group)
	aux.Go(func() error { return detector.Run(auxCtx) })
	aux.Go(func() error { return monitor.Run(auxCtx) })

	<-rootCtx.Done()
	log.Info("Shutdown signal received")

	_ = streams.Wait()
	_ = pipelines.Wait()
	stopWriter()
	<-writerDone
	stopAux()
	_ = aux.Wait()

	logFinalStats(log.Logger, writer, curvePipeline, managers)
	log.Info("Ingestor stopped")
	return 0
}

func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	store, err := postgres.NewStore(cfg.PostgresURL, log)
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newStreamManager(cfg *config.Config, program string, store storage.Store, bus *events.Bus, log *zap.Logger) *stream.Manager {
	return stream.NewManager(stream.Config{
		URL:                    cfg.StreamURL,
		Program:                program,
		Commitment:             cfg.Commitment,
		InitialBackoff:         cfg.ReconnectBase(),
		MaxBackoff:             cfg.ReconnectMax(),
		MaxReconnectsPerMinute: cfg.MaxReconnectsPerMinute,
		BufferSize:             cfg.StreamBufferSize,
		OnDowntime: func(rec stream.DowntimeRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.SaveDowntime(ctx, &models.DowntimePeriod{
				Program:    rec.Program,
				Reason:     rec.Reason,
				StartedAt:  rec.Start,
				EndedAt:    rec.End,
				DurationMs: rec.Duration.Milliseconds(),
			}); err != nil {
				log.Warn("Failed to persist downtime period", zap.Error(err))
			}
		},
	}, stream.NewWSTransport(cfg.StreamToken), bus, log)
}

// buildAdapterChain assembles the price-recovery fallback order: persisted
// pool state first, then the external aggregator, then direct RPC when an
// endpoint is configured.
func buildAdapterChain(cfg *config.Config, store storage.Store, engine *pricing.Engine, rates adapters.RateSource, log *zap.Logger) []adapters.Adapter {
	chain := []adapters.Adapter{
		adapters.NewPoolStateAdapter(store, engine, rates, log),
		adapters.NewAggregatorAdapter(cfg.AggregatorURL, cfg.AggregatorKey, cfg.RateLimitWindow(), cfg.MaxRequestsPerWindow, log),
	}
	if cfg.RPCURL != "" {
		chain = append(chain, adapters.NewRPCAdapter(cfg.RPCURL, engine, rates, log))
	}
	return chain
}

func countConnected(managers []*stream.Manager) int {
	var n int
	for _, m := range managers {
		if m.State() == stream.StateConnected {
			n++
		}
	}
	return n
}

func maxMessageAge(managers []*stream.Manager) time.Duration {
	var worst time.Duration
	for _, m := range managers {
		if age := m.Stats().LastMessageAge; age > worst {
			worst = age
		}
	}
	return worst
}

func streamTotals(managers []*stream.Manager) (uint64, uint64) {
	var msgs, bytes uint64
	for _, m := range managers {
		s := m.Stats()
		msgs += s.TotalMessages
		bytes += s.TotalBytes
	}
	return msgs, bytes
}

func missedRate(managers []*stream.Manager) float64 {
	var total, missed uint64
	for _, m := range managers {
		s := m.Stats()
		total += s.TotalMessages
		missed += s.Malformed + s.Dropped
	}
	if total == 0 {
		return 0
	}
	return float64(missed) / float64(total) * 100
}

func logFinalStats(log *zap.Logger, writer *storage.Writer, pipeline *ingest.Pipeline, managers []*stream.Manager) {
	ws := writer.Stats()
	hs := pipeline.HandlerStats()

	var reconnects uint64
	for _, m := range managers {
		reconnects += m.Stats().Reconnects
	}

	log.Info("Final pipeline statistics",
		zap.Uint64("trades", hs.Trades),
		zap.Uint64("buys", hs.Buys),
		zap.Uint64("sells", hs.Sells),
		zap.Uint64("graduations", hs.Graduations),
		zap.Uint64("below_threshold", hs.BelowThreshold),
		zap.Uint64("rows_inserted", ws.Inserted),
		zap.Uint64("duplicates", ws.Duplicates),
		zap.Uint64("rows_dropped", ws.Dropped),
		zap.Uint64("reconnects", reconnects))
}
