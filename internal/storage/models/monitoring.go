// internal/storage/models/monitoring.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DowntimePeriod is one measured disconnect-to-resubscribe gap on a stream.
type DowntimePeriod struct {
	BaseModel
	Program   string    `gorm:"index;type:varchar(44)"`
	Reason    string    `gorm:"type:text"`
	StartedAt time.Time `gorm:"index"`
	EndedAt   time.Time

	DurationMs int64
}

func (DowntimePeriod) TableName() string { return "downtime_periods" }

// PerformanceMetric is one per-minute aggregate window.
type PerformanceMetric struct {
	BaseModel
	WindowStart time.Time `gorm:"index"`
	WindowEnd   time.Time

	ParseLatencyAvgMs float64 `gorm:"type:decimal(12,3)"`
	ParseLatencyP95Ms float64 `gorm:"type:decimal(12,3)"`
	ParseLatencyP99Ms float64 `gorm:"type:decimal(12,3)"`

	MessagesPerSec float64 `gorm:"type:decimal(12,3)"`
	BytesPerSec    float64 `gorm:"type:decimal(14,3)"`
	StreamLagMs    float64 `gorm:"type:decimal(12,3)"`
	MissedRatePct  float64 `gorm:"type:decimal(8,4)"`

	QueueDepth        int
	ActiveConnections int

	HeapBytes uint64  `gorm:"type:bigint"`
	CPUPct    float64 `gorm:"type:decimal(6,2)"`

	HealthScore int
}

func (PerformanceMetric) TableName() string { return "performance_metrics" }

// PerformanceAlert is one threshold breach, keyed by alert id. Active alerts
// are updated in place; resolving sets the flag and timestamp.
type PerformanceAlert struct {
	BaseModel
	AlertID   string `gorm:"uniqueIndex;not null;type:varchar(36)"`
	AlertType string `gorm:"index;type:varchar(32)"`
	Severity  string `gorm:"type:varchar(12)"`
	Metric    string `gorm:"index;type:varchar(48)"`

	Value     float64 `gorm:"type:decimal(20,6)"`
	Threshold float64 `gorm:"type:decimal(20,6)"`
	Message   string  `gorm:"type:text"`

	RaisedAt   time.Time
	Resolved   bool `gorm:"default:false;index"`
	ResolvedAt *time.Time
}

func (PerformanceAlert) TableName() string { return "performance_alerts" }

// SolPrice caches the SOL/USD spot rate, one row per source, so a restart
// resumes with the last known rate.
type SolPrice struct {
	BaseModel
	Source    string          `gorm:"uniqueIndex;not null;type:varchar(32)"`
	PriceUSD  decimal.Decimal `gorm:"type:decimal(20,8)"`
	FetchedAt time.Time
}
