// internal/storage/models/token.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token is one tracked mint. Created on first observation (as a placeholder
// when nothing but the mint is known) and mutated by trade ingestion and
// recovery. Rows are never deleted, only flagged.
type Token struct {
	BaseModel
	Mint   string `gorm:"uniqueIndex;not null;type:varchar(44)"`
	Symbol string `gorm:"type:varchar(32)"`
	Name   string `gorm:"type:varchar(128)"`
	URI    string `gorm:"type:text"`

	// bonding_curve or amm_pool.
	Program string `gorm:"not null;type:varchar(20);default:bonding_curve"`

	FirstSeenSlot uint64 `gorm:"type:bigint"`
	FirstSeenAt   *time.Time

	PriceSOL     decimal.Decimal `gorm:"type:decimal(30,18)"`
	PriceUSD     decimal.Decimal `gorm:"type:decimal(30,18)"`
	MarketCapUSD decimal.Decimal `gorm:"type:decimal(30,10);index"`
	Progress     float64         `gorm:"type:decimal(6,3)"`
	Complete     bool            `gorm:"default:false"`

	Graduated           bool   `gorm:"default:false"`
	GraduationSlot      uint64 `gorm:"type:bigint"`
	GraduationSignature string `gorm:"type:varchar(128)"`

	Creator     string          `gorm:"type:varchar(44)"`
	Decimals    uint8           `gorm:"default:6"`
	TotalSupply decimal.Decimal `gorm:"type:decimal(30,0)"`

	Enriched          bool       `gorm:"default:false"`
	LastTradeAt       *time.Time `gorm:"index"`
	LastPriceUpdateAt *time.Time `gorm:"index"`
	PriceSource       string     `gorm:"type:varchar(32)"`

	IsStale      bool `gorm:"default:false;index"`
	ShouldRemove bool `gorm:"default:false"`
}
