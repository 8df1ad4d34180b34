// internal/recovery/priority.go
package recovery

import "time"

// Market-cap tiers for priority scoring, USD.
type Tiers struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultTiers returns the standard tier boundaries.
func DefaultTiers() Tiers {
	return Tiers{
		Critical: 50_000,
		High:     20_000,
		Medium:   10_000,
		Low:      5_000,
	}
}

// Priority scores a stale token on [0, 100]: a base of 50 plus market-cap
// and staleness bonuses, capped at 100.
func Priority(marketCapUSD float64, staleFor time.Duration, tiers Tiers) int {
	score := 50

	switch {
	case marketCapUSD >= tiers.Critical:
		score += 30
	case marketCapUSD >= tiers.High:
		score += 20
	case marketCapUSD >= tiers.Medium:
		score += 10
	case marketCapUSD >= tiers.Low:
		score += 5
	}

	switch {
	case staleFor > 120*time.Minute:
		score += 15
	case staleFor > 60*time.Minute:
		score += 10
	case staleFor > 30*time.Minute:
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}
