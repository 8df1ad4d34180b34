// internal/storage/batch.go
package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/storage/models"
)

// item is one queued row with its re-queue count.
type item struct {
	row      any
	attempts int
}

// WriterConfig tunes the batch writer.
type WriterConfig struct {
	// Rows drained per flush.
	BatchSize int
	// Time between flushes.
	Interval time.Duration
	// Queue capacity; enqueues past it are dropped and counted.
	MaxQueue int
	// Flushes a row survives before it is dropped.
	MaxRequeues int
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 10000
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 1
	}
	return c
}

// WriterStats is a counter snapshot of the batch writer.
type WriterStats struct {
	Queued     int
	Enqueued   uint64
	Inserted   uint64
	Duplicates uint64
	Requeued   uint64
	Dropped    uint64
	Flushes    uint64
	FlushFails uint64
}

// Writer queues rows and lands them in size/time batches through a BatchSink,
// one transaction per flush. A failed batch is re-queued at the head once;
// rows failing again are dropped so a poisoned batch cannot stall the queue.
type Writer struct {
	cfg    WriterConfig
	sink   BatchSink
	logger *zap.Logger

	mu    sync.Mutex
	queue []item

	enqueued   uint64
	inserted   uint64
	duplicates uint64
	requeued   uint64
	dropped    uint64
	flushes    uint64
	flushFails uint64
}

// NewWriter builds a batch writer over the sink.
func NewWriter(cfg WriterConfig, sink BatchSink, logger *zap.Logger) *Writer {
	return &Writer{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		logger: logger.Named("batch_writer"),
	}
}

// Enqueue adds one model row to the queue. Accepts the model types the sink
// knows how to group; anything else is dropped and counted.
func (w *Writer) Enqueue(row any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) >= w.cfg.MaxQueue {
		w.dropped++
		w.logger.Warn("Write queue full, dropping row")
		return
	}

	switch row.(type) {
	case *models.Trade, *models.Token, *models.PoolState,
		*models.LiquidityEvent, *models.FeeEvent, *models.SolPrice:
		w.queue = append(w.queue, item{row: row})
		w.enqueued++
	default:
		w.dropped++
		w.logger.Error("Unbatchable row type dropped")
	}
}

// Run flushes on the interval until ctx is cancelled, then drains what is
// left in one final flush.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Flush drains up to BatchSize rows and writes them as one transaction.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	n := len(w.queue)
	if n == 0 {
		w.mu.Unlock()
		return
	}
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	items := make([]item, n)
	copy(items, w.queue[:n])
	w.queue = w.queue[n:]
	w.mu.Unlock()

	batch := group(items)

	res, err := w.sink.FlushBatch(ctx, batch)
	if err != nil {
		w.requeue(items, err)
		return
	}

	w.mu.Lock()
	w.flushes++
	w.inserted += uint64(res.Inserted)
	w.duplicates += uint64(res.Duplicates)
	w.mu.Unlock()

	w.logger.Debug("Batch flushed",
		zap.Int("rows", n),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates))
}

// drain keeps flushing until the queue empties or stops making progress.
// Used on shutdown; the context is already gone, so flushes run against a
// fresh short-lived one.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		w.mu.Lock()
		remaining := len(w.queue)
		w.mu.Unlock()
		if remaining == 0 {
			return
		}

		w.Flush(ctx)

		w.mu.Lock()
		after := len(w.queue)
		w.mu.Unlock()
		if after >= remaining {
			w.logger.Warn("Final drain stalled, abandoning rows", zap.Int("rows", after))
			return
		}
	}
}

// requeue puts a failed batch back at the head, dropping rows that already
// used up their retries.
func (w *Writer) requeue(items []item, cause error) {
	var kept []item
	var droppedRows int
	for _, it := range items {
		it.attempts++
		if it.attempts > w.cfg.MaxRequeues {
			droppedRows++
			continue
		}
		kept = append(kept, it)
	}

	w.mu.Lock()
	w.flushFails++
	w.requeued += uint64(len(kept))
	w.dropped += uint64(droppedRows)
	w.queue = append(kept, w.queue...)
	w.mu.Unlock()

	w.logger.Error("Batch flush failed",
		zap.Int("requeued", len(kept)),
		zap.Int("dropped", droppedRows),
		zap.Error(cause))
}

// group splits drained items by model kind into one Batch. The token and
// SOL-price groups land as ON CONFLICT DO UPDATE statements, and Postgres
// rejects a statement that updates the same key twice, so those groups keep
// only the newest row per key.
func group(items []item) Batch {
	var b Batch
	tokenIdx := make(map[string]int)
	priceIdx := make(map[string]int)
	for _, it := range items {
		switch row := it.row.(type) {
		case *models.Trade:
			b.Trades = append(b.Trades, row)
		case *models.Token:
			if i, ok := tokenIdx[row.Mint]; ok {
				b.Tokens[i] = row
				continue
			}
			tokenIdx[row.Mint] = len(b.Tokens)
			b.Tokens = append(b.Tokens, row)
		case *models.PoolState:
			b.PoolStates = append(b.PoolStates, row)
		case *models.LiquidityEvent:
			b.Liquidity = append(b.Liquidity, row)
		case *models.FeeEvent:
			b.Fees = append(b.Fees, row)
		case *models.SolPrice:
			if i, ok := priceIdx[row.Source]; ok {
				b.SolPrices[i] = row
				continue
			}
			priceIdx[row.Source] = len(b.SolPrices)
			b.SolPrices = append(b.SolPrices, row)
		}
	}
	return b
}

// Stats snapshots the counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Queued:     len(w.queue),
		Enqueued:   w.enqueued,
		Inserted:   w.inserted,
		Duplicates: w.duplicates,
		Requeued:   w.requeued,
		Dropped:    w.dropped,
		Flushes:    w.flushes,
		FlushFails: w.flushFails,
	}
}
