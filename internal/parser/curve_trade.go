// internal/parser/curve_trade.go
package parser

import (
	"fmt"

	"github.com/curvestream/curvestream/internal/dex/curve"
	"github.com/curvestream/curvestream/internal/domain"
)

// CurveTradeStrategy parses Buy/Sell instructions of the bonding-curve
// program. The payload layout varies; short payloads leave the reserves to
// the pool-state cache, and when the data is missing entirely the mint is
// scraped from the logs.
type CurveTradeStrategy struct{}

func (s *CurveTradeStrategy) Name() string { return "curve_trade" }

func (s *CurveTradeStrategy) CanParse(pc *Context) bool {
	if !pc.HasAccount(curve.ProgramID.String()) {
		return false
	}
	return pc.HasInstruction("Buy") || pc.HasInstruction("Sell")
}

func (s *CurveTradeStrategy) Parse(pc *Context) (domain.Event, error) {
	side := domain.SideBuy
	if pc.HasInstruction("Sell") {
		side = domain.SideSell
	}

	ev := &domain.TradeEvent{
		Meta:    domain.Meta{Sig: pc.Signature, Slot: pc.Slot, BlockTime: pc.BlockTime},
		Program: domain.ProgramBondingCurve,
		Side:    side,
	}

	if len(pc.Data) > 0 {
		decoded, err := curve.ParseTradeEvent(pc.Data)
		if err == nil {
			ev.Mint = decoded.Mint.String()
			ev.User = decoded.User.String()
			if decoded.HasCurve {
				ev.Pool = decoded.BondingCurve.String()
			}
			ev.SolAmount = decoded.SolAmount
			ev.TokenAmount = decoded.TokenAmount
			if decoded.HasReserves {
				ev.VirtualSolReserves = decoded.VirtualSolReserves
				ev.VirtualTokenReserves = decoded.VirtualTokenReserves
				ev.HasReserves = true
			}
			return ev, nil
		}
	}

	// Data missing or undecodable: scrape the mint from the logs.
	mint := pc.LogValue("mint")
	if !ValidMint(mint) {
		return nil, fmt.Errorf("curve trade %s: no decodable payload and no mint log", pc.Signature)
	}
	ev.Mint = mint
	if v, ok := pc.LogUint("sol_amount"); ok {
		ev.SolAmount = v
	}
	if v, ok := pc.LogUint("token_amount"); ok {
		ev.TokenAmount = v
	}
	return ev, nil
}
