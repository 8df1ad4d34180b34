// internal/parser/graduation.go
package parser

import (
	"fmt"

	"github.com/curvestream/curvestream/internal/dex/amm"
	"github.com/curvestream/curvestream/internal/dex/curve"
	"github.com/curvestream/curvestream/internal/domain"
)

// GraduationStrategy covers the two sides of a token's move off the bonding
// curve: the curve program's Withdraw (liquidity migrated out, the token is
// complete) and the AMM program's CreatePool (the migrated pool goes live).
type GraduationStrategy struct{}

func (s *GraduationStrategy) Name() string { return "graduation" }

func (s *GraduationStrategy) CanParse(pc *Context) bool {
	if pc.HasAccount(curve.ProgramID.String()) && pc.HasInstruction("Withdraw") {
		return true
	}
	if pc.HasAccount(amm.ProgramID.String()) && pc.HasInstruction("CreatePool") {
		return true
	}
	return false
}

func (s *GraduationStrategy) Parse(pc *Context) (domain.Event, error) {
	meta := domain.Meta{Sig: pc.Signature, Slot: pc.Slot, BlockTime: pc.BlockTime}

	if pc.HasAccount(curve.ProgramID.String()) && pc.HasInstruction("Withdraw") {
		mint := pc.LogValue("mint")
		if !ValidMint(mint) {
			return nil, fmt.Errorf("graduation %s: missing or invalid mint", pc.Signature)
		}
		return &domain.GraduationEvent{Meta: meta, Mint: mint}, nil
	}

	ev := &domain.PoolCreatedEvent{
		Meta:      meta,
		Pool:      pc.LogValue("pool"),
		BaseMint:  pc.LogValue("base_mint"),
		QuoteMint: pc.LogValue("quote_mint"),
		Creator:   pc.LogValue("creator"),
	}
	if ev.Pool == "" {
		return nil, fmt.Errorf("pool creation %s: missing pool address", pc.Signature)
	}
	return ev, nil
}
