// internal/pricing/engine.go
package pricing

import (
	"math"
	"math/big"

	"lukechampine.com/uint128"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Params fixes the unit and curve constants the engine computes with.
type Params struct {
	TokenDecimals      uint8
	SolDecimals        uint8
	FullyDilutedSupply float64
	StartSOL           float64
	TargetSOL          float64
}

// DefaultParams returns the standard launch-protocol constants.
func DefaultParams() Params {
	return Params{
		TokenDecimals:      6,
		SolDecimals:        9,
		FullyDilutedSupply: 1_000_000_000,
		StartSOL:           30,
		TargetSOL:          85,
	}
}

// Engine derives prices, market caps and curve progress from raw reserves.
// All methods are pure; the engine carries only configuration.
type Engine struct {
	p Params
}

func NewEngine(p Params) *Engine {
	if p.SolDecimals == 0 {
		p.SolDecimals = 9
	}
	if p.FullyDilutedSupply == 0 {
		p.FullyDilutedSupply = 1_000_000_000
	}
	return &Engine{p: p}
}

// Quote is a derived price point.
type Quote struct {
	PriceSOL     float64
	PriceUSD     float64
	MarketCapUSD float64
	Progress     float64
	Complete     bool
}

// PriceFromReserves derives a quote from virtual reserves in their smallest
// units. Returns ok=false when either reserve is zero so the caller can fall
// back to trade-amount pricing.
func (e *Engine) PriceFromReserves(solReserves, tokenReserves uint64, solUSD float64) (Quote, bool) {
	if solReserves == 0 || tokenReserves == 0 {
		return Quote{}, false
	}

	sol := float64(solReserves) / math.Pow10(int(e.p.SolDecimals))
	tokens := float64(tokenReserves) / math.Pow10(int(e.p.TokenDecimals))

	priceSOL := sol / tokens
	priceUSD := priceSOL * solUSD
	progress := e.Progress(sol)

	return Quote{
		PriceSOL:     priceSOL,
		PriceUSD:     priceUSD,
		MarketCapUSD: priceUSD * e.p.FullyDilutedSupply,
		Progress:     progress,
		Complete:     progress >= 100,
	}, true
}

// PriceFromTrade derives a quote from the traded amounts alone. Identical
// contract to PriceFromReserves except progress stays unknown (zero).
func (e *Engine) PriceFromTrade(solAmount, tokenAmount uint64, solUSD float64) (Quote, bool) {
	if solAmount == 0 || tokenAmount == 0 {
		return Quote{}, false
	}

	sol := float64(solAmount) / math.Pow10(int(e.p.SolDecimals))
	tokens := float64(tokenAmount) / math.Pow10(int(e.p.TokenDecimals))

	priceSOL := sol / tokens
	priceUSD := priceSOL * solUSD

	return Quote{
		PriceSOL:     priceSOL,
		PriceUSD:     priceUSD,
		MarketCapUSD: priceUSD * e.p.FullyDilutedSupply,
	}, true
}

// Progress maps SOL held by the curve onto [0, 100] linearly between the
// start and target constants.
func (e *Engine) Progress(solInCurve float64) float64 {
	span := e.p.TargetSOL - e.p.StartSOL
	if span <= 0 {
		return 0
	}
	pct := (solInCurve - e.p.StartSOL) / span * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressFromLamports is Progress over a raw lamport balance.
func (e *Engine) ProgressFromLamports(lamports uint64) float64 {
	return e.Progress(float64(lamports) / LamportsPerSOL)
}

// Divergence returns the relative difference between two prices in percent,
// measured against the first.
func Divergence(authoritative, other float64) float64 {
	if authoritative == 0 {
		return 0
	}
	return math.Abs(authoritative-other) / authoritative * 100
}

// Impact describes the effect of a swap of a given size against a pool.
type Impact struct {
	AmountOut      uint64
	ImpactPct      float64
	ExecutionPrice float64
	NewSpotPrice   float64
}

// PriceImpact simulates a constant-product swap of amountIn against the pool
// and reports the output, the execution price, the post-swap spot price and
// the relative impact. For buys amountIn is lamports, for sells token units.
// Returns ok=false on empty reserves or when the pool would be drained.
func (e *Engine) PriceImpact(amountIn, solReserves, tokenReserves uint64, isBuy bool) (Impact, bool) {
	if amountIn == 0 || solReserves == 0 || tokenReserves == 0 {
		return Impact{}, false
	}

	solScale := math.Pow10(int(e.p.SolDecimals))
	tokScale := math.Pow10(int(e.p.TokenDecimals))
	spot := (float64(solReserves) / solScale) / (float64(tokenReserves) / tokScale)

	var out uint64
	var exec, newSpot float64

	if isBuy {
		out = constantProductOut(solReserves, tokenReserves, amountIn)
		if out == 0 || out >= tokenReserves {
			return Impact{}, false
		}
		exec = (float64(amountIn) / solScale) / (float64(out) / tokScale)
		newSpot = (float64(solReserves+amountIn) / solScale) / (float64(tokenReserves-out) / tokScale)
	} else {
		out = constantProductOut(tokenReserves, solReserves, amountIn)
		if out == 0 || out >= solReserves {
			return Impact{}, false
		}
		exec = (float64(out) / solScale) / (float64(amountIn) / tokScale)
		newSpot = (float64(solReserves-out) / solScale) / (float64(tokenReserves+amountIn) / tokScale)
	}

	return Impact{
		AmountOut:      out,
		ImpactPct:      math.Abs(exec-spot) / spot * 100,
		ExecutionPrice: exec,
		NewSpotPrice:   newSpot,
	}, true
}

// constantProductOut computes out = y*in / (x+in) without overflow.
func constantProductOut(x, y, in uint64) uint64 {
	bx := new(big.Float).SetUint64(x)
	by := new(big.Float).SetUint64(y)
	bin := new(big.Float).SetUint64(in)

	numerator := new(big.Float).Mul(by, bin)
	denominator := new(big.Float).Add(bx, bin)
	result := new(big.Float).Quo(numerator, denominator)

	out, _ := result.Uint64()
	return out
}

// Slippage is the relative shortfall of actualOut versus expectedOut in
// percent. Negative values mean the trade did better than quoted.
func Slippage(expectedOut, actualOut uint64) float64 {
	if expectedOut == 0 {
		return 0
	}
	return (float64(expectedOut) - float64(actualOut)) / float64(expectedOut) * 100
}

// ValidateConstantK checks that x*y stayed equal across a swap within the
// given relative tolerance. Products are taken in 128-bit space so reserve
// pairs near the top of the u64 range do not overflow.
func ValidateConstantK(beforeSol, beforeToken, afterSol, afterToken uint64, tolerance float64) bool {
	kBefore := uint128.From64(beforeSol).Mul64(beforeToken)
	kAfter := uint128.From64(afterSol).Mul64(afterToken)

	if kBefore.IsZero() {
		return kAfter.IsZero()
	}

	fBefore := new(big.Float).SetInt(kBefore.Big())
	fAfter := new(big.Float).SetInt(kAfter.Big())

	diff := new(big.Float).Sub(fAfter, fBefore)
	diff.Abs(diff)
	rel := new(big.Float).Quo(diff, fBefore)

	relF, _ := rel.Float64()
	return relF <= tolerance
}
