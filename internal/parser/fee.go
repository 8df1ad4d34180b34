// internal/parser/fee.go
package parser

import (
	"github.com/curvestream/curvestream/internal/dex/amm"
	"github.com/curvestream/curvestream/internal/domain"
)

// FeeStrategy parses AMM fee-collection instructions. CollectCoinCreatorFee
// pays the token creator and carries a fee_recipient log; CollectProtocolFee
// pays the protocol treasury and does not.
type FeeStrategy struct{}

func (s *FeeStrategy) Name() string { return "fee" }

func (s *FeeStrategy) CanParse(pc *Context) bool {
	if !pc.HasAccount(amm.ProgramID.String()) {
		return false
	}
	return pc.HasInstruction("CollectCoinCreatorFee") || pc.HasInstruction("CollectProtocolFee")
}

func (s *FeeStrategy) Parse(pc *Context) (domain.Event, error) {
	ev := &domain.FeeEvent{
		Meta: domain.Meta{Sig: pc.Signature, Slot: pc.Slot, BlockTime: pc.BlockTime},
		Pool: pc.LogValue("pool"),
	}

	if pc.HasInstruction("CollectCoinCreatorFee") {
		ev.FeeKind = domain.FeeCreator
		ev.Recipient = pc.LogValue("fee_recipient")
	} else {
		ev.FeeKind = domain.FeeProtocol
	}

	ev.CoinAmount, _ = pc.LogUint("coin_amount")
	ev.PcAmount, _ = pc.LogUint("pc_amount")
	ev.PoolCoinAfter, _ = pc.LogUint("pool_coin_after")
	ev.PoolPcAfter, _ = pc.LogUint("pool_pc_after")

	return ev, nil
}
