// internal/recovery/adapters/poolstate.go
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/curvestream/curvestream/internal/pricing"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// PoolStateSource reads the persisted reserve history.
type PoolStateSource interface {
	LatestPoolState(ctx context.Context, mint string) (*models.PoolState, error)
}

// PoolStateAdapter recovers a price from the most recent persisted reserve
// snapshot. Fastest source, no network; first in the fallback order.
type PoolStateAdapter struct {
	source PoolStateSource
	engine *pricing.Engine
	rates  RateSource
	logger *zap.Logger

	// Snapshot freshness bound; older rows are useless for recovery.
	maxAge time.Duration

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedResult
}

type cachedResult struct {
	result  Result
	expires time.Time
}

// NewPoolStateAdapter builds the adapter with the standard 1h freshness
// bound and 30s result cache.
func NewPoolStateAdapter(source PoolStateSource, engine *pricing.Engine, rates RateSource, log *zap.Logger) *PoolStateAdapter {
	return &PoolStateAdapter{
		source:   source,
		engine:   engine,
		rates:    rates,
		logger:   log.Named("poolstate_adapter"),
		maxAge:   time.Hour,
		cacheTTL: 30 * time.Second,
		cache:    make(map[string]cachedResult),
	}
}

func (a *PoolStateAdapter) Name() string { return "amm_pool_state" }

func (a *PoolStateAdapter) Recover(ctx context.Context, mint string) (*Result, error) {
	a.mu.Lock()
	if c, ok := a.cache[mint]; ok && time.Now().Before(c.expires) {
		a.mu.Unlock()
		r := c.result
		return &r, nil
	}
	a.mu.Unlock()

	solUSD, err := a.rates.Rate()
	if err != nil {
		return nil, ErrNoRate
	}

	state, err := a.source.LatestPoolState(ctx, mint)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoFreshPoolState
		}
		return nil, fmt.Errorf("failed to read pool state for %s: %w", mint, err)
	}
	if time.Since(state.ObservedAt) > a.maxAge {
		return nil, ErrNoFreshPoolState
	}

	quote, ok := a.engine.PriceFromReserves(state.VirtualSolReserves, state.VirtualTokenReserves, solUSD)
	if !ok {
		return nil, ErrNoFreshPoolState
	}

	result := Result{
		PriceSOL:     quote.PriceSOL,
		PriceUSD:     quote.PriceUSD,
		MarketCapUSD: quote.MarketCapUSD,
		Progress:     quote.Progress,
		Source:       a.Name(),
	}

	a.mu.Lock()
	a.cache[mint] = cachedResult{result: result, expires: time.Now().Add(a.cacheTTL)}
	a.mu.Unlock()

	a.logger.Debug("Recovered price from pool state",
		zap.String("mint", mint),
		zap.Uint64("slot", state.Slot),
		zap.Float64("price_usd", quote.PriceUSD))

	return &result, nil
}
