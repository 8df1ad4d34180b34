// internal/domain/event.go
package domain

import (
	"time"
)

// Program identifies which on-chain program produced an event.
type Program string

const (
	ProgramBondingCurve Program = "bonding_curve"
	ProgramAMMPool      Program = "amm_pool"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// EventKind tags the parsed event variants.
type EventKind string

const (
	KindCurveTrade    EventKind = "curve_trade"
	KindAMMSwap       EventKind = "amm_swap"
	KindLiquidity     EventKind = "liquidity"
	KindFee           EventKind = "fee"
	KindGraduation    EventKind = "graduation"
	KindPoolCreated   EventKind = "pool_created"
	KindAccountUpdate EventKind = "account_update"
)

// Event is a typed event produced by the parser. Variants are tagged
// structs, not field-probed maps.
type Event interface {
	Kind() EventKind
	Signature() string
}

// Meta carries the transaction coordinates shared by all variants.
type Meta struct {
	Sig       string
	Slot      uint64
	BlockTime time.Time
}

func (m Meta) Signature() string { return m.Sig }

// TradeEvent is a bonding-curve trade or an AMM swap.
type TradeEvent struct {
	Meta
	Program Program
	Side    Side

	Mint string
	User string
	Pool string

	SolAmount   uint64
	TokenAmount uint64

	// Post-trade reserves when the payload carried them.
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	HasReserves          bool
}

func (e *TradeEvent) Kind() EventKind {
	if e.Program == ProgramAMMPool {
		return KindAMMSwap
	}
	return KindCurveTrade
}

// LiquidityKind distinguishes the liquidity event variants.
type LiquidityKind string

const (
	LiquidityDeposit  LiquidityKind = "deposit"
	LiquidityWithdraw LiquidityKind = "withdraw"
)

// LiquidityEvent is an AMM deposit or withdrawal.
type LiquidityEvent struct {
	Meta
	LiquidityKind LiquidityKind

	Pool string
	User string

	LPAmount    uint64
	BaseAmount  uint64
	QuoteAmount uint64

	PoolBaseAfter  uint64
	PoolQuoteAfter uint64
}

func (e *LiquidityEvent) Kind() EventKind { return KindLiquidity }

// FeeKind distinguishes the fee event variants.
type FeeKind string

const (
	FeeCreator  FeeKind = "creator_fee"
	FeeProtocol FeeKind = "protocol_fee"
)

// FeeEvent is a creator or protocol fee collection.
type FeeEvent struct {
	Meta
	FeeKind FeeKind

	Pool      string
	Recipient string

	CoinAmount uint64
	PcAmount   uint64

	PoolCoinAfter uint64
	PoolPcAfter   uint64
}

func (e *FeeEvent) Kind() EventKind { return KindFee }

// GraduationEvent marks a token leaving the bonding curve.
type GraduationEvent struct {
	Meta
	Mint string
}

func (e *GraduationEvent) Kind() EventKind { return KindGraduation }

// PoolCreatedEvent marks a new AMM pool.
type PoolCreatedEvent struct {
	Meta
	Pool      string
	BaseMint  string
	QuoteMint string
	Creator   string
}

func (e *PoolCreatedEvent) Kind() EventKind { return KindPoolCreated }

// AccountUpdateEvent is a raw account mutation from the stream.
type AccountUpdateEvent struct {
	Meta
	Pubkey   string
	Owner    string
	Lamports uint64
	Data     []byte
}

func (e *AccountUpdateEvent) Kind() EventKind { return KindAccountUpdate }

// EnrichedTrade is a TradeEvent after pricing.
type EnrichedTrade struct {
	Trade *TradeEvent

	PriceSOL     float64
	PriceUSD     float64
	MarketCapUSD float64
	Progress     float64
	Complete     bool

	// AMM annotations; zero for curve trades.
	PriceImpactPct float64
	SlippagePct    float64
	SpotPrice      float64
	ExecPrice      float64
	ExpectedOut    uint64

	// Reserves the price was derived from.
	SolReserves   uint64
	TokenReserves uint64
	SolUSD        float64
}
