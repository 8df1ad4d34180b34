// internal/recovery/adapters/rpc.go
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/curvestream/curvestream/internal/dex/curve"
	"github.com/curvestream/curvestream/internal/pricing"
)

// AccountFetcher is the slice of the RPC client the adapter uses.
// *rpc.Client satisfies it.
type AccountFetcher interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// RPCAdapter reads the bonding-curve account over RPC and prices from its
// reserves. Slowest source, last in the fallback order.
type RPCAdapter struct {
	client  AccountFetcher
	engine  *pricing.Engine
	rates   RateSource
	logger  *zap.Logger
	limiter *rate.Limiter
	timeout time.Duration
}

// NewRPCAdapter builds the adapter over an RPC endpoint.
func NewRPCAdapter(endpoint string, engine *pricing.Engine, rates RateSource, log *zap.Logger) *RPCAdapter {
	return NewRPCAdapterWithClient(rpc.New(endpoint), engine, rates, log)
}

// NewRPCAdapterWithClient injects the fetcher, for tests.
func NewRPCAdapterWithClient(client AccountFetcher, engine *pricing.Engine, rates RateSource, log *zap.Logger) *RPCAdapter {
	return &RPCAdapter{
		client: client,
		engine: engine,
		rates:  rates,
		logger: log.Named("rpc_adapter"),
		// Two requests per second keeps recovery traffic well under free-tier
		// RPC quotas.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		timeout: 30 * time.Second,
	}
}

func (a *RPCAdapter) Name() string { return "rpc_curve_state" }

func (a *RPCAdapter) Recover(ctx context.Context, mint string) (*Result, error) {
	solUSD, err := a.rates.Rate()
	if err != nil {
		return nil, ErrNoRate
	}

	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", mint, err)
	}

	curvePDA, err := curve.DeriveBondingCurve(mintKey)
	if err != nil {
		return nil, err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	info, err := a.client.GetAccountInfo(ctx, curvePDA)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch curve account for %s: %w", mint, err)
	}
	if info == nil || info.Value == nil {
		return nil, ErrNoFreshPoolState
	}

	state, err := curve.ParseState(info.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("failed to parse curve account for %s: %w", mint, err)
	}

	quote, ok := a.engine.PriceFromReserves(state.VirtualSolReserves, state.VirtualTokenReserves, solUSD)
	if !ok {
		return nil, ErrNoFreshPoolState
	}

	a.logger.Debug("Recovered price over RPC",
		zap.String("mint", mint),
		zap.String("curve", curvePDA.String()),
		zap.Float64("price_usd", quote.PriceUSD))

	return &Result{
		PriceSOL:     quote.PriceSOL,
		PriceUSD:     quote.PriceUSD,
		MarketCapUSD: quote.MarketCapUSD,
		Progress:     quote.Progress,
		Source:       a.Name(),
	}, nil
}
