// internal/storage/models/pool_state.go
package models

import "time"

// PoolState is an append-only reserve snapshot, keyed by (pool, slot). The
// latest row per mint is the authoritative reserve source for recovery.
type PoolState struct {
	BaseModel
	Mint string `gorm:"index;not null;type:varchar(44)"`
	Pool string `gorm:"uniqueIndex:idx_pool_state_pool_slot;not null;type:varchar(44)"`
	Slot uint64 `gorm:"uniqueIndex:idx_pool_state_pool_slot;type:bigint"`

	VirtualSolReserves   uint64 `gorm:"type:bigint"`
	VirtualTokenReserves uint64 `gorm:"type:bigint"`
	RealSolReserves      uint64 `gorm:"type:bigint"`
	RealTokenReserves    uint64 `gorm:"type:bigint"`

	PoolOpen   bool      `gorm:"default:true"`
	ObservedAt time.Time `gorm:"index"`
}
