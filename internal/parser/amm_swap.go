// internal/parser/amm_swap.go
package parser

import (
	"fmt"
	"strings"

	"github.com/curvestream/curvestream/internal/dex/amm"
	"github.com/curvestream/curvestream/internal/domain"
)

// AMMSwapStrategy parses Swap instructions of the AMM program from their
// key-value log fields. Pool balances ride along in a ray_log blob when the
// program emits one.
type AMMSwapStrategy struct{}

func (s *AMMSwapStrategy) Name() string { return "amm_swap" }

func (s *AMMSwapStrategy) CanParse(pc *Context) bool {
	if !pc.HasAccount(amm.ProgramID.String()) {
		return false
	}
	return pc.HasInstruction("Swap") && pc.HasLog("input_mint")
}

func (s *AMMSwapStrategy) Parse(pc *Context) (domain.Event, error) {
	inputMint := pc.LogValue("input_mint")
	outputMint := pc.LogValue("output_mint")
	inAmount, okIn := pc.LogUint("in_amount")
	outAmount, okOut := pc.LogUint("out_amount")

	if inputMint == "" || outputMint == "" || !okIn || !okOut {
		return nil, fmt.Errorf("swap %s: incomplete log fields", pc.Signature)
	}

	ev := &domain.TradeEvent{
		Meta:    domain.Meta{Sig: pc.Signature, Slot: pc.Slot, BlockTime: pc.BlockTime},
		Program: domain.ProgramAMMPool,
		User:    pc.LogValue("user"),
		Pool:    pc.LogValue("pool"),
	}

	switch {
	case amm.NativeSOL(inputMint):
		ev.Side = domain.SideBuy
		ev.Mint = outputMint
		ev.SolAmount = inAmount
		ev.TokenAmount = outAmount
	case amm.NativeSOL(outputMint):
		ev.Side = domain.SideSell
		ev.Mint = inputMint
		ev.SolAmount = outAmount
		ev.TokenAmount = inAmount
	default:
		// Neither side is native SOL; fall back to log keywords.
		side, err := sideFromKeywords(pc.Logs)
		if err != nil {
			return nil, fmt.Errorf("swap %s: %w", pc.Signature, err)
		}
		ev.Side = side
		if side == domain.SideBuy {
			ev.Mint = outputMint
			ev.SolAmount = inAmount
			ev.TokenAmount = outAmount
		} else {
			ev.Mint = inputMint
			ev.SolAmount = outAmount
			ev.TokenAmount = inAmount
		}
	}

	if !ValidMint(ev.Mint) {
		return nil, fmt.Errorf("swap %s: invalid mint %q", pc.Signature, ev.Mint)
	}

	if rl, ok := amm.FindRayLog(pc.Logs); ok {
		ev.VirtualSolReserves = rl.PoolSol
		ev.VirtualTokenReserves = rl.PoolToken
		ev.HasReserves = true
	}

	return ev, nil
}

func sideFromKeywords(logs []string) (domain.Side, error) {
	for _, line := range logs {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "buy") {
			return domain.SideBuy, nil
		}
		if strings.Contains(lower, "sell") {
			return domain.SideSell, nil
		}
	}
	return "", fmt.Errorf("direction not resolvable from logs")
}
