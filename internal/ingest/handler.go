// internal/ingest/handler.go
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/domain"
	"github.com/curvestream/curvestream/internal/events"
	"github.com/curvestream/curvestream/internal/logger"
	"github.com/curvestream/curvestream/internal/poolcache"
	"github.com/curvestream/curvestream/internal/pricing"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// Sink accepts rows for batched persistence.
type Sink interface {
	Enqueue(row any)
}

// TokenStore is the slice of the store the handler touches directly.
type TokenStore interface {
	EnsureToken(ctx context.Context, placeholder *models.Token) error
	MarkGraduated(ctx context.Context, mint, signature string, slot uint64) error
}

// RateSource supplies the current SOL/USD rate.
type RateSource interface {
	Rate() (float64, error)
}

// Config tunes the handler.
type Config struct {
	// Trades below this market cap are counted but not persisted.
	MarketCapThresholdUSD float64
	// Reserve-vs-trade price divergence, in percent, above which a warning
	// is logged. The reserve-based price stays authoritative either way.
	DivergenceWarnPct float64
	// Fallback reserves for bonding-curve trades when neither the event nor
	// the cache has any.
	DefaultSolReserves   uint64
	DefaultTokenReserves uint64
}

// Stats counts handler outcomes.
type Stats struct {
	Trades         uint64
	Buys           uint64
	Sells          uint64
	BelowThreshold uint64
	Unpriced       uint64
	Liquidity      uint64
	Fees           uint64
	Graduations    uint64
	PoolsCreated   uint64
}

// Handler consumes typed events: it enriches trades with prices through the
// engine, keeps the pool cache current, and writes rows through the sink.
type Handler struct {
	cfg    Config
	engine *pricing.Engine
	cache  *poolcache.Cache
	sink   Sink
	tokens TokenStore
	rates  RateSource
	bus    *events.Bus
	logger *zap.Logger

	stats struct {
		trades         atomic.Uint64
		buys           atomic.Uint64
		sells          atomic.Uint64
		belowThreshold atomic.Uint64
		unpriced       atomic.Uint64
		liquidity      atomic.Uint64
		fees           atomic.Uint64
		graduations    atomic.Uint64
		poolsCreated   atomic.Uint64
	}
}

// NewHandler wires the handler. bus may be nil.
func NewHandler(
	cfg Config,
	engine *pricing.Engine,
	cache *poolcache.Cache,
	sink Sink,
	tokens TokenStore,
	rates RateSource,
	bus *events.Bus,
	log *zap.Logger,
) *Handler {
	return &Handler{
		cfg:    cfg,
		engine: engine,
		cache:  cache,
		sink:   sink,
		tokens: tokens,
		rates:  rates,
		bus:    bus,
		logger: log.Named("ingest"),
	}
}

// Handle dispatches one typed event. Errors are per-event; the pipeline
// logs and moves on.
func (h *Handler) Handle(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case *domain.TradeEvent:
		return h.handleTrade(ctx, e)
	case *domain.LiquidityEvent:
		h.handleLiquidity(e)
		return nil
	case *domain.FeeEvent:
		h.handleFee(e)
		return nil
	case *domain.GraduationEvent:
		return h.handleGraduation(ctx, e)
	case *domain.PoolCreatedEvent:
		h.handlePoolCreated(e)
		return nil
	case *domain.AccountUpdateEvent:
		return nil
	default:
		return fmt.Errorf("unhandled event kind %s", ev.Kind())
	}
}

func (h *Handler) handleTrade(ctx context.Context, ev *domain.TradeEvent) error {
	solUSD, err := h.rates.Rate()
	if err != nil {
		h.stats.unpriced.Add(1)
		return fmt.Errorf("trade %s: %w", ev.Sig, err)
	}

	solReserves, tokenReserves := h.resolveReserves(ev)

	enriched := &domain.EnrichedTrade{
		Trade:         ev,
		SolReserves:   solReserves,
		TokenReserves: tokenReserves,
		SolUSD:        solUSD,
	}

	reserveQuote, haveReserveQuote := h.engine.PriceFromReserves(solReserves, tokenReserves, solUSD)
	tradeQuote, haveTradeQuote := h.engine.PriceFromTrade(ev.SolAmount, ev.TokenAmount, solUSD)

	// The reserve-based price is authoritative; the trade-amount price only
	// fills in when reserves are unusable.
	switch {
	case haveReserveQuote:
		enriched.PriceSOL = reserveQuote.PriceSOL
		enriched.PriceUSD = reserveQuote.PriceUSD
		enriched.MarketCapUSD = reserveQuote.MarketCapUSD
		enriched.Progress = reserveQuote.Progress
		enriched.Complete = reserveQuote.Complete

		if haveTradeQuote {
			if div := pricing.Divergence(reserveQuote.PriceSOL, tradeQuote.PriceSOL); div > h.cfg.DivergenceWarnPct {
				h.logger.Warn("Reserve and trade prices diverge",
					zap.String("signature", ev.Sig),
					zap.String("mint", ev.Mint),
					zap.Float64("reserve_price_sol", reserveQuote.PriceSOL),
					zap.Float64("trade_price_sol", tradeQuote.PriceSOL),
					zap.Float64("divergence_pct", div))
			}
		}
	case haveTradeQuote:
		enriched.PriceSOL = tradeQuote.PriceSOL
		enriched.PriceUSD = tradeQuote.PriceUSD
		enriched.MarketCapUSD = tradeQuote.MarketCapUSD
	default:
		h.stats.unpriced.Add(1)
		return fmt.Errorf("trade %s: no price derivable", ev.Sig)
	}

	if ev.Program == domain.ProgramAMMPool {
		h.annotateImpact(ev, enriched, solReserves, tokenReserves)
	}

	h.updateCache(ev, solReserves, tokenReserves, enriched.Complete)

	h.stats.trades.Add(1)
	if ev.Side == domain.SideBuy {
		h.stats.buys.Add(1)
	} else {
		h.stats.sells.Add(1)
	}

	persisted := enriched.MarketCapUSD >= h.cfg.MarketCapThresholdUSD
	if persisted {
		if err := h.persistTrade(ctx, enriched); err != nil {
			return err
		}
	} else {
		h.stats.belowThreshold.Add(1)
	}

	h.logger.Info("Trade processed",
		zap.String("signature", ev.Sig),
		zap.String("mint", ev.Mint),
		zap.String("side", string(ev.Side)),
		zap.Float64("price_sol", enriched.PriceSOL),
		zap.Float64("market_cap_usd", enriched.MarketCapUSD),
		zap.Bool("persisted", persisted),
		zap.String("url", logger.SolscanTx(ev.Sig)))

	if h.bus != nil {
		_ = h.bus.Publish(events.TradeProcessedEvent{
			BaseEvent: events.Base(events.TradeProcessed),
			Trade:     enriched,
			Persisted: persisted,
		})
	}
	return nil
}

// resolveReserves walks the fallback chain: event payload, pool cache, then
// the curve's initial virtual reserves for bonding-curve trades.
func (h *Handler) resolveReserves(ev *domain.TradeEvent) (uint64, uint64) {
	if ev.HasReserves {
		return ev.VirtualSolReserves, ev.VirtualTokenReserves
	}
	if r, ok := h.cache.Get(ev.Mint); ok {
		return r.VirtualSolReserves, r.VirtualTokenReserves
	}
	if ev.Program == domain.ProgramBondingCurve {
		return h.cfg.DefaultSolReserves, h.cfg.DefaultTokenReserves
	}
	return 0, 0
}

func (h *Handler) annotateImpact(ev *domain.TradeEvent, enriched *domain.EnrichedTrade, solReserves, tokenReserves uint64) {
	var amountIn uint64
	if ev.Side == domain.SideBuy {
		amountIn = ev.SolAmount
	} else {
		amountIn = ev.TokenAmount
	}

	// Reserves here are post-trade; back the trade out to get the pool the
	// swap actually executed against.
	preSol, preToken := solReserves, tokenReserves
	if ev.Side == domain.SideBuy {
		if preSol > ev.SolAmount {
			preSol -= ev.SolAmount
		}
		preToken += ev.TokenAmount
	} else {
		preSol += ev.SolAmount
		if preToken > ev.TokenAmount {
			preToken -= ev.TokenAmount
		}
	}

	impact, ok := h.engine.PriceImpact(amountIn, preSol, preToken, ev.Side == domain.SideBuy)
	if !ok {
		return
	}

	enriched.PriceImpactPct = impact.ImpactPct
	enriched.SpotPrice = enriched.PriceSOL
	enriched.ExecPrice = impact.ExecutionPrice
	enriched.ExpectedOut = impact.AmountOut

	var actualOut uint64
	if ev.Side == domain.SideBuy {
		actualOut = ev.TokenAmount
	} else {
		actualOut = ev.SolAmount
	}
	enriched.SlippagePct = pricing.Slippage(impact.AmountOut, actualOut)
}

func (h *Handler) updateCache(ev *domain.TradeEvent, solReserves, tokenReserves uint64, complete bool) {
	if !ev.HasReserves {
		return
	}
	h.cache.Update(poolcache.Reserves{
		Mint:                 ev.Mint,
		Pool:                 ev.Pool,
		VirtualSolReserves:   solReserves,
		VirtualTokenReserves: tokenReserves,
		Complete:             complete,
		Slot:                 ev.Slot,
	})
}

func (h *Handler) persistTrade(ctx context.Context, enriched *domain.EnrichedTrade) error {
	ev := enriched.Trade
	now := time.Now().UTC()

	placeholder := &models.Token{
		Mint:          ev.Mint,
		Program:       string(ev.Program),
		FirstSeenSlot: ev.Slot,
		FirstSeenAt:   &now,
	}
	if err := h.tokens.EnsureToken(ctx, placeholder); err != nil {
		return fmt.Errorf("failed to ensure token %s: %w", ev.Mint, err)
	}

	var blockTime *time.Time
	if !ev.BlockTime.IsZero() {
		bt := ev.BlockTime
		blockTime = &bt
	}

	h.sink.Enqueue(&models.Trade{
		Signature:            ev.Sig,
		Mint:                 ev.Mint,
		Program:              string(ev.Program),
		Side:                 string(ev.Side),
		UserAddress:          ev.User,
		SolAmount:            ev.SolAmount,
		TokenAmount:          ev.TokenAmount,
		PriceSOL:             pricing.PriceDecimal(enriched.PriceSOL),
		PriceUSD:             pricing.PriceDecimal(enriched.PriceUSD),
		MarketCapUSD:         pricing.PriceDecimal(enriched.MarketCapUSD),
		VirtualSolReserves:   enriched.SolReserves,
		VirtualTokenReserves: enriched.TokenReserves,
		Progress:             enriched.Progress,
		Slot:                 ev.Slot,
		BlockTime:            blockTime,
		PriceImpactPct:       enriched.PriceImpactPct,
		SlippagePct:          enriched.SlippagePct,
		SpotPrice:            enriched.SpotPrice,
		ExecutionPrice:       enriched.ExecPrice,
		ExpectedOut:          enriched.ExpectedOut,
	})

	h.sink.Enqueue(&models.Token{
		Mint:              ev.Mint,
		Program:           string(ev.Program),
		PriceSOL:          pricing.PriceDecimal(enriched.PriceSOL),
		PriceUSD:          pricing.PriceDecimal(enriched.PriceUSD),
		MarketCapUSD:      pricing.PriceDecimal(enriched.MarketCapUSD),
		Progress:          enriched.Progress,
		Complete:          enriched.Complete,
		LastTradeAt:       &now,
		LastPriceUpdateAt: &now,
		PriceSource:       "stream_trade",
	})

	if ev.HasReserves {
		h.sink.Enqueue(&models.PoolState{
			Mint:                 ev.Mint,
			Pool:                 ev.Pool,
			Slot:                 ev.Slot,
			VirtualSolReserves:   enriched.SolReserves,
			VirtualTokenReserves: enriched.TokenReserves,
			PoolOpen:             !enriched.Complete,
			ObservedAt:           now,
		})
	}
	return nil
}

func (h *Handler) handleLiquidity(ev *domain.LiquidityEvent) {
	h.stats.liquidity.Add(1)

	var blockTime *time.Time
	if !ev.BlockTime.IsZero() {
		bt := ev.BlockTime
		blockTime = &bt
	}

	h.sink.Enqueue(&models.LiquidityEvent{
		Signature:      ev.Sig,
		EventType:      string(ev.LiquidityKind),
		Pool:           ev.Pool,
		UserAddress:    ev.User,
		LPAmount:       ev.LPAmount,
		BaseAmount:     ev.BaseAmount,
		QuoteAmount:    ev.QuoteAmount,
		PoolBaseAfter:  ev.PoolBaseAfter,
		PoolQuoteAfter: ev.PoolQuoteAfter,
		Slot:           ev.Slot,
		BlockTime:      blockTime,
	})
}

func (h *Handler) handleFee(ev *domain.FeeEvent) {
	h.stats.fees.Add(1)

	var blockTime *time.Time
	if !ev.BlockTime.IsZero() {
		bt := ev.BlockTime
		blockTime = &bt
	}

	h.sink.Enqueue(&models.FeeEvent{
		Signature:     ev.Sig,
		EventType:     string(ev.FeeKind),
		Pool:          ev.Pool,
		Recipient:     ev.Recipient,
		CoinAmount:    ev.CoinAmount,
		PcAmount:      ev.PcAmount,
		PoolCoinAfter: ev.PoolCoinAfter,
		PoolPcAfter:   ev.PoolPcAfter,
		Slot:          ev.Slot,
		BlockTime:     blockTime,
	})
}

func (h *Handler) handleGraduation(ctx context.Context, ev *domain.GraduationEvent) error {
	h.stats.graduations.Add(1)
	h.cache.MarkComplete(ev.Mint)

	if err := h.tokens.MarkGraduated(ctx, ev.Mint, ev.Sig, ev.Slot); err != nil {
		return fmt.Errorf("failed to mark %s graduated: %w", ev.Mint, err)
	}

	h.logger.Info("Token graduated",
		zap.String("mint", ev.Mint),
		zap.String("signature", ev.Sig),
		zap.Uint64("slot", ev.Slot),
		zap.String("url", logger.SolscanToken(ev.Mint)))

	if h.bus != nil {
		_ = h.bus.Publish(events.TokenGraduatedEvent{
			BaseEvent: events.Base(events.TokenGraduated),
			Mint:      ev.Mint,
			Signature: ev.Sig,
			Slot:      ev.Slot,
		})
	}
	return nil
}

func (h *Handler) handlePoolCreated(ev *domain.PoolCreatedEvent) {
	h.stats.poolsCreated.Add(1)
	h.logger.Info("Pool created",
		zap.String("pool", ev.Pool),
		zap.String("base_mint", ev.BaseMint),
		zap.String("signature", ev.Sig))
}

// Stats returns a counter snapshot. The handler is shared between the
// program pipelines, so the counters are atomic.
func (h *Handler) Stats() Stats {
	return Stats{
		Trades:         h.stats.trades.Load(),
		Buys:           h.stats.buys.Load(),
		Sells:          h.stats.sells.Load(),
		BelowThreshold: h.stats.belowThreshold.Load(),
		Unpriced:       h.stats.unpriced.Load(),
		Liquidity:      h.stats.liquidity.Load(),
		Fees:           h.stats.fees.Load(),
		Graduations:    h.stats.graduations.Load(),
		PoolsCreated:   h.stats.poolsCreated.Load(),
	}
}
