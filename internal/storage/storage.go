// internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/curvestream/curvestream/internal/storage/models"
)

// Batch is one flush unit, grouped by kind. All groups land in a single
// transaction.
type Batch struct {
	Trades     []*models.Trade
	Tokens     []*models.Token
	PoolStates []*models.PoolState
	Liquidity  []*models.LiquidityEvent
	Fees       []*models.FeeEvent
	SolPrices  []*models.SolPrice
}

// Len counts the rows in the batch.
func (b Batch) Len() int {
	return len(b.Trades) + len(b.Tokens) + len(b.PoolStates) +
		len(b.Liquidity) + len(b.Fees) + len(b.SolPrices)
}

// BatchResult reports a flush outcome.
type BatchResult struct {
	Inserted   int
	Duplicates int
}

// BatchSink accepts grouped batches. Implemented by Store; faked in tests.
type BatchSink interface {
	FlushBatch(ctx context.Context, b Batch) (BatchResult, error)
}

// TokenPriceUpdate is what a recovery worker writes back for one mint.
type TokenPriceUpdate struct {
	PriceSOL     decimal.Decimal
	PriceUSD     decimal.Decimal
	MarketCapUSD decimal.Decimal
	Progress     float64
	Source       string
	UpdatedAt    time.Time
}

// Store is the persistence surface of the pipeline.
type Store interface {
	BatchSink

	RunMigrations() error
	Close() error

	// Tokens.
	GetToken(ctx context.Context, mint string) (*models.Token, error)
	EnsureToken(ctx context.Context, placeholder *models.Token) error
	MarkGraduated(ctx context.Context, mint, signature string, slot uint64) error
	UpdateTokenPrice(ctx context.Context, mint string, upd TokenPriceUpdate) error
	SetTokenStale(ctx context.Context, mints []string, stale bool) error

	// Recovery queries.
	StaleTokens(ctx context.Context, minMarketCap decimal.Decimal, olderThan time.Time, limit int) ([]*models.Token, error)
	TokensAboveMarketCap(ctx context.Context, minMarketCap decimal.Decimal) ([]*models.Token, error)
	LatestPoolState(ctx context.Context, mint string) (*models.PoolState, error)

	// Recovery bookkeeping.
	SaveRecoveryBatch(ctx context.Context, b *models.RecoveryBatch) error
	LastSuccessfulBatch(ctx context.Context) (*models.RecoveryBatch, error)
	SaveStaleRun(ctx context.Context, r *models.StaleRun) error

	// Monitoring.
	SaveDowntime(ctx context.Context, d *models.DowntimePeriod) error
	SavePerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error
	SaveAlert(ctx context.Context, a *models.PerformanceAlert) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time) error

	// SOL/USD cache.
	SaveSolPrice(ctx context.Context, p *models.SolPrice) error
	LatestSolPrice(ctx context.Context) (*models.SolPrice, error)
}
