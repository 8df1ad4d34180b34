// internal/storage/models/recovery.go
package models

import "time"

// Batch and run statuses.
const (
	BatchCompleted = "completed"
	BatchPartial   = "partial"
	BatchFailed    = "failed"
	BatchCancelled = "cancelled"
)

// RecoveryBatch logs one recovery pass, periodic or startup.
type RecoveryBatch struct {
	BaseModel
	BatchID string `gorm:"uniqueIndex;not null;type:varchar(36)"`

	// scan or startup.
	Kind string `gorm:"type:varchar(16)"`

	StartedAt   time.Time
	CompletedAt *time.Time

	TokensChecked   int `gorm:"default:0"`
	TokensRecovered int `gorm:"default:0"`
	TokensFailed    int `gorm:"default:0"`
	ExternalQueries int `gorm:"default:0"`

	DurationMs int64
	Status     string `gorm:"index;type:varchar(16)"`
}

func (RecoveryBatch) TableName() string { return "recovery_progress" }

// StaleRun logs one stale-detector scan.
type StaleRun struct {
	BaseModel
	StartedAt  time.Time
	FinishedAt *time.Time

	TokensScanned int `gorm:"default:0"`
	TokensStale   int `gorm:"default:0"`
	TokensQueued  int `gorm:"default:0"`

	DurationMs int64
}

func (StaleRun) TableName() string { return "stale_detection_runs" }
