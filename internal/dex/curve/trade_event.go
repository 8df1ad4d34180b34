// internal/dex/curve/trade_event.go
package curve

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// TradeEventDiscriminator prefixes the trade event payload emitted by the
// bonding-curve program.
var TradeEventDiscriminator = []byte{189, 219, 127, 211, 78, 230, 97, 238}

// Trade payload offsets. The short (113-byte) layout ends inside the curve
// key, so the curve and reserve fields are present only on longer payloads.
const (
	tradeMintOffset     = 8
	tradeSolOffset      = 40
	tradeTokenOffset    = 48
	tradeUserOffset     = 56
	tradeCurveOffset    = 88
	tradeReservesOffset = 120

	tradeMinLen      = tradeCurveOffset
	tradeCurveLen    = tradeCurveOffset + 32
	tradeReservesLen = 225
)

// TradeEvent is the decoded trade payload of a Buy or Sell instruction.
type TradeEvent struct {
	Mint         solana.PublicKey
	User         solana.PublicKey
	BondingCurve solana.PublicKey

	SolAmount   uint64
	TokenAmount uint64

	// Virtual reserves after the trade. Valid only when HasReserves is set;
	// short payloads omit them and the caller falls back to the pool cache.
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	HasReserves          bool
	HasCurve             bool
}

// ParseTradeEvent decodes raw instruction data into a TradeEvent.
func ParseTradeEvent(data []byte) (*TradeEvent, error) {
	if len(data) < tradeMinLen {
		return nil, fmt.Errorf("trade payload too short: %d bytes", len(data))
	}
	for i := 0; i < 8; i++ {
		if data[i] != TradeEventDiscriminator[i] {
			return nil, fmt.Errorf("invalid trade event discriminator")
		}
	}

	ev := &TradeEvent{
		Mint:        solana.PublicKeyFromBytes(data[tradeMintOffset : tradeMintOffset+32]),
		SolAmount:   binary.LittleEndian.Uint64(data[tradeSolOffset : tradeSolOffset+8]),
		TokenAmount: binary.LittleEndian.Uint64(data[tradeTokenOffset : tradeTokenOffset+8]),
		User:        solana.PublicKeyFromBytes(data[tradeUserOffset : tradeUserOffset+32]),
	}

	if len(data) >= tradeCurveLen {
		ev.BondingCurve = solana.PublicKeyFromBytes(data[tradeCurveOffset : tradeCurveOffset+32])
		ev.HasCurve = true
	}

	if len(data) >= tradeReservesLen {
		ev.VirtualSolReserves = binary.LittleEndian.Uint64(data[tradeReservesOffset : tradeReservesOffset+8])
		ev.VirtualTokenReserves = binary.LittleEndian.Uint64(data[tradeReservesOffset+8 : tradeReservesOffset+16])
		ev.HasReserves = true
	}

	return ev, nil
}
