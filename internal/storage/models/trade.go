// internal/storage/models/trade.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one bonding-curve trade or AMM swap, immutable after insert.
// Signature is the idempotency key: a repeat insert is silently discarded.
type Trade struct {
	BaseModel
	Signature   string `gorm:"uniqueIndex;not null;type:varchar(128)"`
	Mint        string `gorm:"index;not null;type:varchar(44)"`
	Program     string `gorm:"not null;type:varchar(20)"`
	Side        string `gorm:"not null;type:varchar(4)"`
	UserAddress string `gorm:"type:varchar(44)"`

	// Lamports and smallest token units.
	SolAmount   uint64 `gorm:"type:bigint"`
	TokenAmount uint64 `gorm:"type:bigint"`

	PriceSOL     decimal.Decimal `gorm:"type:decimal(30,18)"`
	PriceUSD     decimal.Decimal `gorm:"type:decimal(30,18)"`
	MarketCapUSD decimal.Decimal `gorm:"type:decimal(30,10)"`

	VirtualSolReserves   uint64  `gorm:"type:bigint"`
	VirtualTokenReserves uint64  `gorm:"type:bigint"`
	Progress             float64 `gorm:"type:decimal(6,3)"`

	Slot      uint64 `gorm:"index;type:bigint"`
	BlockTime *time.Time

	// AMM enrichment; zero for bonding-curve trades.
	PriceImpactPct float64 `gorm:"type:decimal(12,6)"`
	SlippagePct    float64 `gorm:"type:decimal(12,6)"`
	SpotPrice      float64 `gorm:"type:decimal(30,18)"`
	ExecutionPrice float64 `gorm:"type:decimal(30,18)"`
	ExpectedOut    uint64  `gorm:"type:bigint"`
}
