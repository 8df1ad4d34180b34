// internal/ingest/handler_test.go
package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/curvestream/curvestream/internal/domain"
	"github.com/curvestream/curvestream/internal/poolcache"
	"github.com/curvestream/curvestream/internal/pricing"
	"github.com/curvestream/curvestream/internal/storage/models"
)

type fakeSink struct {
	rows []any
}

func (f *fakeSink) Enqueue(row any) { f.rows = append(f.rows, row) }

func (f *fakeSink) trades() []*models.Trade {
	var out []*models.Trade
	for _, r := range f.rows {
		if t, ok := r.(*models.Trade); ok {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeSink) tokens() []*models.Token {
	var out []*models.Token
	for _, r := range f.rows {
		if t, ok := r.(*models.Token); ok {
			out = append(out, t)
		}
	}
	return out
}

type fakeTokenStore struct {
	ensured   []string
	graduated []string
}

func (f *fakeTokenStore) EnsureToken(_ context.Context, p *models.Token) error {
	f.ensured = append(f.ensured, p.Mint)
	return nil
}

func (f *fakeTokenStore) MarkGraduated(_ context.Context, mint, _ string, _ uint64) error {
	f.graduated = append(f.graduated, mint)
	return nil
}

type fixedRate struct{ usd float64 }

func (r fixedRate) Rate() (float64, error) {
	if r.usd <= 0 {
		return 0, errors.New("no rate")
	}
	return r.usd, nil
}

func newTestHandler(t *testing.T, sink *fakeSink, store *fakeTokenStore) *Handler {
	t.Helper()
	cache := poolcache.NewCache(zaptest.NewLogger(t), nil)
	return NewHandler(
		Config{
			MarketCapThresholdUSD: 8888,
			DivergenceWarnPct:     1.0,
			DefaultSolReserves:    30_000_000_000,
			DefaultTokenReserves:  1_073_000_000_000_000,
		},
		pricing.NewEngine(pricing.DefaultParams()),
		cache,
		sink,
		store,
		fixedRate{usd: 180},
		nil,
		zaptest.NewLogger(t),
	)
}

func curveBuy() *domain.TradeEvent {
	return &domain.TradeEvent{
		Meta:                 domain.Meta{Sig: "sig1", Slot: 200_000_000, BlockTime: time.Now()},
		Program:              domain.ProgramBondingCurve,
		Side:                 domain.SideBuy,
		Mint:                 "Mint1111111111111111111111111111111111111111",
		User:                 "User1111111111111111111111111111111111111111",
		SolAmount:            1_000_000_000,
		TokenAmount:          10_000_000,
		VirtualSolReserves:   30_500_000_000,
		VirtualTokenReserves: 500_000_000_000_000,
		HasReserves:          true,
	}
}

func TestHandleTrade_CurveBuyAboveThreshold(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeTokenStore{}
	h := newTestHandler(t, sink, store)

	require.NoError(t, h.Handle(context.Background(), curveBuy()))

	trades := sink.trades()
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, "sig1", tr.Signature)
	assert.Equal(t, "buy", tr.Side)

	// 30.5 SOL / 5e8 tokens.
	priceSOL, _ := tr.PriceSOL.Float64()
	assert.InDelta(t, 6.1e-8, priceSOL, 1e-12)
	priceUSD, _ := tr.PriceUSD.Float64()
	assert.InDelta(t, 1.098e-5, priceUSD, 1e-9)
	mcap, _ := tr.MarketCapUSD.Float64()
	assert.InDelta(t, 10_980, mcap, 1)

	// 30.5 SOL into a 30..85 curve.
	assert.InDelta(t, 0.909, tr.Progress, 0.01)

	// Placeholder token row ensured plus a token upsert queued.
	assert.Equal(t, []string{tr.Mint}, store.ensured)
	require.Len(t, sink.tokens(), 1)
	assert.Equal(t, "stream_trade", sink.tokens()[0].PriceSource)

	st := h.Stats()
	assert.Equal(t, uint64(1), st.Trades)
	assert.Equal(t, uint64(1), st.Buys)
	assert.Equal(t, uint64(0), st.BelowThreshold)
}

func TestHandleTrade_BelowThresholdNotPersisted(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeTokenStore{}
	h := newTestHandler(t, sink, store)

	ev := curveBuy()
	// Tiny pool: price far below the persistence floor.
	ev.VirtualSolReserves = 1_000_000
	ev.VirtualTokenReserves = 1_000_000_000_000_000

	require.NoError(t, h.Handle(context.Background(), ev))

	assert.Empty(t, sink.trades())
	assert.Empty(t, store.ensured)
	st := h.Stats()
	assert.Equal(t, uint64(1), st.Trades)
	assert.Equal(t, uint64(1), st.BelowThreshold)
}

func TestHandleTrade_FallsBackToCacheReserves(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeTokenStore{}
	h := newTestHandler(t, sink, store)

	ev := curveBuy()
	h.cache.Update(poolcache.Reserves{
		Mint:                 ev.Mint,
		VirtualSolReserves:   40_000_000_000,
		VirtualTokenReserves: 900_000_000_000_000,
		Slot:                 ev.Slot - 1,
	})
	ev.HasReserves = false
	ev.VirtualSolReserves = 0
	ev.VirtualTokenReserves = 0

	require.NoError(t, h.Handle(context.Background(), ev))

	trades := sink.trades()
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(40_000_000_000), trades[0].VirtualSolReserves)
}

func TestHandleTrade_CurveDefaultsWhenNothingKnown(t *testing.T) {
	sink := &fakeSink{}
	h := newTestHandler(t, sink, &fakeTokenStore{})

	ev := curveBuy()
	ev.HasReserves = false
	ev.VirtualSolReserves = 0
	ev.VirtualTokenReserves = 0

	require.NoError(t, h.Handle(context.Background(), ev))

	trades := sink.trades()
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(30_000_000_000), trades[0].VirtualSolReserves)
	assert.Equal(t, uint64(1_073_000_000_000_000), trades[0].VirtualTokenReserves)
}

func TestHandleTrade_AMMAnnotations(t *testing.T) {
	sink := &fakeSink{}
	h := newTestHandler(t, sink, &fakeTokenStore{})

	ev := curveBuy()
	ev.Program = domain.ProgramAMMPool
	ev.SolAmount = 2_000_000_000
	ev.TokenAmount = 10_000_000_000
	ev.VirtualSolReserves = 100_000_000_000
	ev.VirtualTokenReserves = 500_000_000_000_000

	require.NoError(t, h.Handle(context.Background(), ev))

	trades := sink.trades()
	require.Len(t, trades, 1)
	assert.Greater(t, trades[0].PriceImpactPct, 0.0)
	assert.Greater(t, trades[0].ExecutionPrice, 0.0)
	assert.NotZero(t, trades[0].ExpectedOut)
}

func TestHandleTrade_NoRate(t *testing.T) {
	sink := &fakeSink{}
	h := newTestHandler(t, sink, &fakeTokenStore{})
	h.rates = fixedRate{usd: 0}

	err := h.Handle(context.Background(), curveBuy())
	assert.Error(t, err)
	assert.Empty(t, sink.rows)
	assert.Equal(t, uint64(1), h.Stats().Unpriced)
}

func TestHandleGraduation(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeTokenStore{}
	h := newTestHandler(t, sink, store)

	ev := &domain.GraduationEvent{
		Meta: domain.Meta{Sig: "gradsig", Slot: 42},
		Mint: "Mint1111111111111111111111111111111111111111",
	}
	require.NoError(t, h.Handle(context.Background(), ev))
	assert.Equal(t, []string{ev.Mint}, store.graduated)
	assert.Equal(t, uint64(1), h.Stats().Graduations)
}

func TestHandleLiquidityAndFee(t *testing.T) {
	sink := &fakeSink{}
	h := newTestHandler(t, sink, &fakeTokenStore{})

	require.NoError(t, h.Handle(context.Background(), &domain.LiquidityEvent{
		Meta:          domain.Meta{Sig: "liqsig"},
		LiquidityKind: domain.LiquidityDeposit,
		Pool:          "PoolA",
		LPAmount:      5,
	}))
	require.NoError(t, h.Handle(context.Background(), &domain.FeeEvent{
		Meta:    domain.Meta{Sig: "feesig"},
		FeeKind: domain.FeeProtocol,
		Pool:    "PoolA",
	}))

	require.Len(t, sink.rows, 2)
	liq, ok := sink.rows[0].(*models.LiquidityEvent)
	require.True(t, ok)
	assert.Equal(t, "deposit", liq.EventType)
	fee, ok := sink.rows[1].(*models.FeeEvent)
	require.True(t, ok)
	assert.Equal(t, "protocol_fee", fee.EventType)
}
