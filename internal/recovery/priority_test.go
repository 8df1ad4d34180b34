// internal/recovery/priority_test.go
package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriority(t *testing.T) {
	tiers := DefaultTiers()

	tests := []struct {
		name     string
		mcap     float64
		staleFor time.Duration
		want     int
	}{
		{"base only", 1_000, 10 * time.Minute, 50},
		{"low tier", 6_000, 10 * time.Minute, 55},
		{"medium tier", 12_000, 10 * time.Minute, 60},
		{"high tier mildly stale", 25_000, 65 * time.Minute, 80},
		{"critical tier very stale", 60_000, 3 * time.Hour, 95},
		{"maximum score stays within bounds", 1_000_000, 10 * time.Hour, 95},
		{"stale over 30 min", 6_000, 31 * time.Minute, 60},
		{"stale over 120 min", 6_000, 121 * time.Minute, 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Priority(tt.mcap, tt.staleFor, tiers))
		})
	}
}
