// internal/storage/models/events.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidityEvent is one AMM deposit or withdrawal, keyed by signature.
type LiquidityEvent struct {
	BaseModel
	Signature string `gorm:"uniqueIndex;not null;type:varchar(128)"`

	// deposit or withdraw.
	EventType string `gorm:"not null;type:varchar(10)"`

	Pool        string `gorm:"index;type:varchar(44)"`
	UserAddress string `gorm:"type:varchar(44)"`

	LPAmount    uint64 `gorm:"type:bigint"`
	BaseAmount  uint64 `gorm:"type:bigint"`
	QuoteAmount uint64 `gorm:"type:bigint"`

	PoolBaseAfter  uint64 `gorm:"type:bigint"`
	PoolQuoteAfter uint64 `gorm:"type:bigint"`

	TotalValueUSD decimal.Decimal `gorm:"type:decimal(30,10)"`

	Slot      uint64 `gorm:"type:bigint"`
	BlockTime *time.Time
}

// FeeEvent is one fee collection. A transaction can emit both a creator and
// a protocol variant, so the key is (signature, event_type).
type FeeEvent struct {
	BaseModel
	Signature string `gorm:"uniqueIndex:idx_fee_sig_type;not null;type:varchar(128)"`

	// creator_fee or protocol_fee.
	EventType string `gorm:"uniqueIndex:idx_fee_sig_type;not null;type:varchar(16)"`

	Pool      string `gorm:"index;type:varchar(44)"`
	Recipient string `gorm:"type:varchar(44)"`

	CoinAmount uint64 `gorm:"type:bigint"`
	PcAmount   uint64 `gorm:"type:bigint"`

	PoolCoinAfter uint64 `gorm:"type:bigint"`
	PoolPcAfter   uint64 `gorm:"type:bigint"`

	Slot      uint64 `gorm:"type:bigint"`
	BlockTime *time.Time
}
