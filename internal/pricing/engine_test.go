package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceFromReserves_Formula(t *testing.T) {
	e := NewEngine(DefaultParams())

	cases := []struct {
		name   string
		sol    uint64
		tokens uint64
		solUSD float64
	}{
		{"fresh curve", 30_000_000_000, 1_073_000_000_000_000, 180},
		{"mid curve", 55_500_000_000, 650_000_000_000_000, 142.5},
		{"near graduation", 84_900_000_000, 280_000_000_000_000, 201.77},
		{"deep pool", 12_345_678_901_234, 987_654_321_987_654_321, 95.01},
		{"tiny", 1, 1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, ok := e.PriceFromReserves(tc.sol, tc.tokens, tc.solUSD)
			require.True(t, ok)

			want := (float64(tc.sol) / 1e9) / (float64(tc.tokens) / 1e6)
			assert.InEpsilon(t, want, q.PriceSOL, 1e-12)
			assert.InEpsilon(t, want*tc.solUSD, q.PriceUSD, 1e-12)
			assert.InEpsilon(t, q.PriceUSD*1e9, q.MarketCapUSD, 1e-12)
		})
	}
}

func TestPriceFromReserves_ZeroReserves(t *testing.T) {
	e := NewEngine(DefaultParams())

	_, ok := e.PriceFromReserves(0, 1_000_000, 180)
	assert.False(t, ok)
	_, ok = e.PriceFromReserves(1_000_000_000, 0, 180)
	assert.False(t, ok)
}

// The raw-ratio convention (token decimals = sol decimals) used by the
// upstream indexer: one buy of 1 SOL lands the curve at 30.5 SOL and the
// token at a $5.2M cap.
func TestPriceFromReserves_RawRatioConvention(t *testing.T) {
	p := DefaultParams()
	p.TokenDecimals = 9
	e := NewEngine(p)

	q, ok := e.PriceFromReserves(30_500_000_000, 1_050_000_000_000_000, 180)
	require.True(t, ok)

	assert.InDelta(t, 2.9048e-5, q.PriceSOL, 1e-8)
	assert.InDelta(t, 5.2286e-3, q.PriceUSD, 1e-6)
	assert.InDelta(t, 5.2286e6, q.MarketCapUSD, 1e3)
	assert.InDelta(t, 0.909, q.Progress, 1e-3)
	assert.False(t, q.Complete)
}

func TestPriceFromTrade(t *testing.T) {
	e := NewEngine(DefaultParams())

	q, ok := e.PriceFromTrade(1_000_000_000, 10_000_000, 180)
	require.True(t, ok)
	assert.InEpsilon(t, 0.1, q.PriceSOL, 1e-12)
	assert.InEpsilon(t, 18.0, q.PriceUSD, 1e-12)
	assert.Zero(t, q.Progress)

	_, ok = e.PriceFromTrade(0, 10_000_000, 180)
	assert.False(t, ok)
}

func TestProgress(t *testing.T) {
	e := NewEngine(DefaultParams())

	assert.Equal(t, 0.0, e.Progress(12))
	assert.Equal(t, 0.0, e.Progress(30))
	assert.InDelta(t, 50.0, e.Progress(57.5), 1e-9)
	assert.Equal(t, 100.0, e.Progress(85))
	assert.Equal(t, 100.0, e.Progress(120))

	assert.InDelta(t, 0.909, e.ProgressFromLamports(30_500_000_000), 1e-3)
}

func TestProgress_LamportConvention(t *testing.T) {
	p := DefaultParams()
	p.StartSOL = 0
	p.TargetSOL = 84
	e := NewEngine(p)

	assert.InDelta(t, 50.0, e.Progress(42), 1e-9)
	assert.Equal(t, 100.0, e.Progress(84))
}

func TestPriceImpact_MonotoneAndConstantK(t *testing.T) {
	e := NewEngine(DefaultParams())

	const (
		solReserves = 100_000_000_000
		tokReserves = 500_000_000_000_000
	)

	spot := (float64(solReserves) / 1e9) / (float64(tokReserves) / 1e6)

	var prev float64
	for _, amountIn := range []uint64{
		10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000, 50_000_000_000,
	} {
		imp, ok := e.PriceImpact(amountIn, solReserves, tokReserves, true)
		require.True(t, ok)
		require.NotZero(t, imp.AmountOut)

		assert.GreaterOrEqual(t, imp.ImpactPct, prev, "impact must not decrease with size")
		assert.Greater(t, imp.NewSpotPrice, spot, "buys push the spot price up")
		prev = imp.ImpactPct

		afterSol := solReserves + amountIn
		afterTok := tokReserves - imp.AmountOut
		assert.True(t, ValidateConstantK(solReserves, tokReserves, afterSol, afterTok, 0.001),
			"k must hold within tolerance for in=%d", amountIn)
	}
}

func TestPriceImpact_SellSide(t *testing.T) {
	e := NewEngine(DefaultParams())

	imp, ok := e.PriceImpact(5_000_000_000, 100_000_000_000, 500_000_000_000_000, false)
	require.True(t, ok)
	assert.NotZero(t, imp.AmountOut)
	assert.Greater(t, imp.ImpactPct, 0.0)

	afterSol := uint64(100_000_000_000) - imp.AmountOut
	afterTok := uint64(500_000_000_000_000) + 5_000_000_000
	assert.True(t, ValidateConstantK(100_000_000_000, 500_000_000_000_000, afterSol, afterTok, 0.001))
}

func TestPriceImpact_Degenerate(t *testing.T) {
	e := NewEngine(DefaultParams())

	_, ok := e.PriceImpact(0, 1, 1, true)
	assert.False(t, ok)
	_, ok = e.PriceImpact(10, 0, 1, true)
	assert.False(t, ok)
}

func TestValidateConstantK(t *testing.T) {
	assert.True(t, ValidateConstantK(100, 200, 100, 200, 0))
	assert.False(t, ValidateConstantK(100, 200, 150, 200, 0.001))
	assert.True(t, ValidateConstantK(0, 0, 0, 0, 0.001))

	// Near the top of the u64 range the product needs all 128 bits.
	big := uint64(15_000_000_000_000_000_000)
	assert.True(t, ValidateConstantK(big, big, big, big, 0))
}

func TestSlippage(t *testing.T) {
	assert.InDelta(t, 5.0, Slippage(100, 95), 1e-12)
	assert.InDelta(t, -2.0, Slippage(100, 102), 1e-12)
	assert.Zero(t, Slippage(0, 10))
}

func TestDivergence(t *testing.T) {
	assert.InDelta(t, 10.0, Divergence(2.0e-7, 2.2e-7), 1e-9)
	assert.Zero(t, Divergence(0, 5))
}

func TestTokenAmountToDecimal(t *testing.T) {
	d := TokenAmountToDecimal(1_500_000, 6)
	assert.True(t, d.Equal(decimal.NewFromFloat(1.5)))

	assert.Equal(t, uint64(1_500_000), DecimalToTokenAmount(d, 6))
	assert.Equal(t, uint64(0), DecimalToTokenAmount(decimal.NewFromFloat(0.0000001), 6))
}
