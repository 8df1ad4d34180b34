// internal/parser/liquidity.go
package parser

import (
	"fmt"

	"github.com/curvestream/curvestream/internal/dex/amm"
	"github.com/curvestream/curvestream/internal/domain"
)

// LiquidityStrategy parses AMM Deposit and Withdraw instructions. The two
// variants are told apart by which LP-amount field the logs carry:
// lp_token_amount_out means LP tokens were minted (deposit), lp_token_amount_in
// means they were burned (withdraw).
type LiquidityStrategy struct{}

func (s *LiquidityStrategy) Name() string { return "liquidity" }

func (s *LiquidityStrategy) CanParse(pc *Context) bool {
	if !pc.HasAccount(amm.ProgramID.String()) {
		return false
	}
	return pc.HasInstruction("Deposit") || pc.HasInstruction("Withdraw")
}

func (s *LiquidityStrategy) Parse(pc *Context) (domain.Event, error) {
	ev := &domain.LiquidityEvent{
		Meta: domain.Meta{Sig: pc.Signature, Slot: pc.Slot, BlockTime: pc.BlockTime},
		Pool: pc.LogValue("pool"),
		User: pc.LogValue("user"),
	}

	if lp, ok := pc.LogUint("lp_token_amount_out"); ok {
		ev.LiquidityKind = domain.LiquidityDeposit
		ev.LPAmount = lp
		ev.BaseAmount, _ = pc.LogUint("base_amount_in")
		ev.QuoteAmount, _ = pc.LogUint("quote_amount_in")
	} else if lp, ok := pc.LogUint("lp_token_amount_in"); ok {
		ev.LiquidityKind = domain.LiquidityWithdraw
		ev.LPAmount = lp
		ev.BaseAmount, _ = pc.LogUint("base_amount_out")
		ev.QuoteAmount, _ = pc.LogUint("quote_amount_out")
	} else {
		return nil, fmt.Errorf("liquidity %s: no LP amount field", pc.Signature)
	}

	ev.PoolBaseAfter, _ = pc.LogUint("pool_base_after")
	ev.PoolQuoteAfter, _ = pc.LogUint("pool_quote_after")

	return ev, nil
}
