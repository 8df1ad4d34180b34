// internal/recovery/detector.go
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/curvestream/curvestream/internal/events"
	"github.com/curvestream/curvestream/internal/pricing"
	"github.com/curvestream/curvestream/internal/recovery/adapters"
	"github.com/curvestream/curvestream/internal/storage"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// Config tunes the stale detector and its workers.
type Config struct {
	StaleThreshold           time.Duration
	CriticalStale            time.Duration
	ScanInterval             time.Duration
	BatchSize                int
	MaxConcurrent            int
	MaxRetries               int
	EnableStartupRecovery    bool
	StartupRecoveryThreshold time.Duration
	Tiers                    Tiers

	// Floor for the startup sweep, below the regular tier floor.
	StartupMarketCapFloor float64

	// Upper bound of tokens pulled per scan.
	ScanLimit int
}

// DefaultConfig returns the standard detector settings.
func DefaultConfig() Config {
	return Config{
		StaleThreshold:           30 * time.Minute,
		CriticalStale:            60 * time.Minute,
		ScanInterval:             5 * time.Minute,
		BatchSize:                100,
		MaxConcurrent:            3,
		MaxRetries:               3,
		EnableStartupRecovery:    true,
		StartupRecoveryThreshold: 5 * time.Minute,
		Tiers:                    DefaultTiers(),
		StartupMarketCapFloor:    1_000,
		ScanLimit:                1_000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.CriticalStale <= 0 {
		c.CriticalStale = def.CriticalStale
	}
	if c.StartupRecoveryThreshold <= 0 {
		c.StartupRecoveryThreshold = def.StartupRecoveryThreshold
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = def.ScanInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Tiers == (Tiers{}) {
		c.Tiers = def.Tiers
	}
	if c.StartupMarketCapFloor <= 0 {
		c.StartupMarketCapFloor = def.StartupMarketCapFloor
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = def.ScanLimit
	}
	return c
}

// Detector finds tokens whose price has gone stale, queues them by priority
// and runs bounded-concurrency recovery workers over the adapter chain.
type Detector struct {
	cfg      Config
	store    storage.Store
	adapters []adapters.Adapter
	queue    *Queue
	bus      *events.Bus
	logger   *zap.Logger

	// Injected in tests to freeze time.
	now func() time.Time
}

// NewDetector wires the detector. Adapters are tried in the given order.
func NewDetector(cfg Config, store storage.Store, chain []adapters.Adapter, bus *events.Bus, log *zap.Logger) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		store:    store,
		adapters: chain,
		queue:    NewQueue(),
		bus:      bus,
		logger:   log.Named("stale_detector"),
		now:      time.Now,
	}
}

// Queue exposes the recovery queue for observation.
func (d *Detector) Queue() *Queue { return d.queue }

// Run performs startup recovery when warranted, then scans on the interval
// until ctx is cancelled. In-flight batches are drained before returning.
func (d *Detector) Run(ctx context.Context) error {
	if d.cfg.EnableStartupRecovery {
		d.startupRecovery(ctx)
	}

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Scan(ctx)
			d.ProcessQueue(ctx, "scan")
		}
	}
}

// Scan queries for stale tokens and enqueues them with a priority score.
func (d *Detector) Scan(ctx context.Context) {
	start := d.now()
	olderThan := start.Add(-d.cfg.StaleThreshold)
	floor := decimal.NewFromFloat(d.cfg.Tiers.Low)

	tokens, err := d.store.StaleTokens(ctx, floor, olderThan, d.cfg.ScanLimit)
	if err != nil {
		d.logger.Error("Stale scan query failed", zap.Error(err))
		return
	}

	var queued int
	var staleMints []string
	for _, tok := range tokens {
		staleFor := d.cfg.StaleThreshold
		if tok.LastPriceUpdateAt != nil {
			staleFor = start.Sub(*tok.LastPriceUpdateAt)
		}
		mcap, _ := tok.MarketCapUSD.Float64()
		if d.queue.Enqueue(tok.Mint, Priority(mcap, staleFor, d.cfg.Tiers)) {
			queued++
		}
		staleMints = append(staleMints, tok.Mint)
	}

	if err := d.store.SetTokenStale(ctx, staleMints, true); err != nil {
		d.logger.Warn("Failed to flag stale tokens", zap.Error(err))
	}

	finished := d.now()
	run := &models.StaleRun{
		StartedAt:     start,
		FinishedAt:    &finished,
		TokensScanned: len(tokens),
		TokensStale:   len(staleMints),
		TokensQueued:  queued,
		DurationMs:    finished.Sub(start).Milliseconds(),
	}
	if err := d.store.SaveStaleRun(ctx, run); err != nil {
		d.logger.Warn("Failed to persist stale run", zap.Error(err))
	}

	d.logger.Info("Stale scan finished",
		zap.Int("scanned", len(tokens)),
		zap.Int("queued", queued),
		zap.Int("queue_depth", d.queue.Len()))
}

// startupRecovery sweeps everything above the startup floor when the last
// successful batch is older than the startup threshold.
func (d *Detector) startupRecovery(ctx context.Context) {
	last, err := d.store.LastSuccessfulBatch(ctx)
	if err == nil && last.CompletedAt != nil &&
		d.now().Sub(*last.CompletedAt) <= d.cfg.StartupRecoveryThreshold {
		d.logger.Info("Recent recovery batch found, skipping startup sweep",
			zap.Time("completed_at", *last.CompletedAt))
		return
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.Warn("Failed to read last recovery batch", zap.Error(err))
	}

	floor := decimal.NewFromFloat(d.cfg.StartupMarketCapFloor)
	tokens, err := d.store.TokensAboveMarketCap(ctx, floor)
	if err != nil {
		d.logger.Error("Startup sweep query failed", zap.Error(err))
		return
	}

	// Rows arrive ordered by market cap descending; scoring preserves that
	// order inside equal tiers.
	for _, tok := range tokens {
		mcap, _ := tok.MarketCapUSD.Float64()
		d.queue.Enqueue(tok.Mint, Priority(mcap, 0, d.cfg.Tiers))
	}

	d.logger.Info("Startup recovery sweep queued",
		zap.Int("tokens", len(tokens)))

	for d.queue.Len() > 0 && ctx.Err() == nil {
		d.ProcessQueue(ctx, "startup")
	}
}

// ProcessQueue takes one batch off the queue and recovers it with bounded
// concurrency, persisting a batch log when done.
func (d *Detector) ProcessQueue(ctx context.Context, kind string) {
	items := d.queue.NextBatch(d.cfg.BatchSize)
	if len(items) == 0 {
		return
	}

	batchID := uuid.New().String()
	started := d.now()

	var (
		recovered, failed, external counter
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)
	for _, it := range items {
		it := it
		g.Go(func() error {
			if gctx.Err() != nil {
				d.queue.Failed(it.Mint, d.cfg.MaxRetries)
				return nil
			}
			if d.recoverOne(gctx, it, &external) {
				recovered.inc()
				d.queue.Done(it.Mint)
			} else {
				failed.inc()
				d.queue.Failed(it.Mint, d.cfg.MaxRetries)
			}
			return nil
		})
	}
	_ = g.Wait()

	status := models.BatchCompleted
	switch {
	case ctx.Err() != nil:
		status = models.BatchCancelled
	case failed.get() > 0 && recovered.get() > 0:
		status = models.BatchPartial
	case failed.get() > 0 && recovered.get() == 0:
		status = models.BatchFailed
	}

	completed := d.now()
	batch := &models.RecoveryBatch{
		BatchID:         batchID,
		Kind:            kind,
		StartedAt:       started,
		CompletedAt:     &completed,
		TokensChecked:   len(items),
		TokensRecovered: recovered.get(),
		TokensFailed:    failed.get(),
		ExternalQueries: external.get(),
		DurationMs:      completed.Sub(started).Milliseconds(),
		Status:          status,
	}

	// Persist against a fresh context so a cancelled run still logs.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.SaveRecoveryBatch(persistCtx, batch); err != nil {
		d.logger.Error("Failed to persist recovery batch", zap.Error(err))
	}

	if d.bus != nil {
		_ = d.bus.Publish(events.RecoveryBatchCompletedEvent{
			BaseEvent: events.Base(events.RecoveryBatchCompleted),
			BatchID:   batchID,
			Checked:   len(items),
			Recovered: recovered.get(),
			Failed:    failed.get(),
			Status:    status,
		})
	}

	d.logger.Info("Recovery batch finished",
		zap.String("batch_id", batchID),
		zap.String("kind", kind),
		zap.Int("checked", len(items)),
		zap.Int("recovered", recovered.get()),
		zap.Int("failed", failed.get()),
		zap.String("status", status))
}

// recoverOne walks the adapter chain for one mint and writes the first
// result back to the token row.
func (d *Detector) recoverOne(ctx context.Context, it Item, external *counter) bool {
	for i, a := range d.adapters {
		if i > 0 {
			// Everything past the pool-state adapter goes over the network.
			external.inc()
		}

		result, err := a.Recover(ctx, it.Mint)
		if err != nil {
			if errors.Is(err, adapters.ErrRateLimited) {
				d.logger.Debug("Adapter rate limited, trying next",
					zap.String("adapter", a.Name()),
					zap.String("mint", it.Mint))
				continue
			}
			d.logger.Debug("Adapter failed",
				zap.String("adapter", a.Name()),
				zap.String("mint", it.Mint),
				zap.Error(err))
			continue
		}

		upd := storage.TokenPriceUpdate{
			PriceSOL:     pricing.PriceDecimal(result.PriceSOL),
			PriceUSD:     pricing.PriceDecimal(result.PriceUSD),
			MarketCapUSD: pricing.PriceDecimal(result.MarketCapUSD),
			Progress:     result.Progress,
			Source:       result.Source,
			UpdatedAt:    d.now(),
		}
		if err := d.store.UpdateTokenPrice(ctx, it.Mint, upd); err != nil {
			d.logger.Warn("Failed to write recovered price",
				zap.String("mint", it.Mint),
				zap.Error(err))
			return false
		}

		d.logger.Debug("Token recovered",
			zap.String("mint", it.Mint),
			zap.String("source", result.Source),
			zap.Float64("price_usd", result.PriceUSD))
		return true
	}
	return false
}

// counter is a tiny race-safe int for worker tallies.
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
