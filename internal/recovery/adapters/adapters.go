// internal/recovery/adapters/adapters.go
package adapters

import (
	"context"
	"errors"
)

// Typed failure reasons. Workers classify these to decide retry vs. drop.
var (
	// ErrNoFreshPoolState means the pool-state history has nothing recent
	// enough for the mint.
	ErrNoFreshPoolState = errors.New("no fresh pool state")
	// ErrPairNotFound means the aggregator knows no pair for the mint.
	ErrPairNotFound = errors.New("pair not found")
	// ErrRateLimited means the source pushed back; defer, do not count as a
	// failure.
	ErrRateLimited = errors.New("rate limited")
	// ErrNoRate means no SOL/USD rate is available to price against.
	ErrNoRate = errors.New("no SOL/USD rate")
)

// Result is one recovered price point.
type Result struct {
	PriceSOL     float64
	PriceUSD     float64
	MarketCapUSD float64
	Progress     float64

	// Which adapter produced the result, recorded on the token row.
	Source string

	// Aggregator extras; zero elsewhere.
	LiquidityUSD   float64
	Volume24hUSD   float64
	PriceChange24h float64
}

// Adapter is one price-recovery source. Recover returns a typed error from
// this package when the source cannot serve the mint.
type Adapter interface {
	Name() string
	Recover(ctx context.Context, mint string) (*Result, error)
}

// RateSource supplies the current SOL/USD rate.
type RateSource interface {
	Rate() (float64, error)
}
