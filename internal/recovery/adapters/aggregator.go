// internal/recovery/adapters/aggregator.go
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pairResponse is the aggregator's token-pairs shape.
type pairResponse struct {
	Pairs []pairInfo `json:"pairs"`
}

type pairInfo struct {
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD    string `json:"priceUsd"`
	PriceNative string `json:"priceNative"`
	Liquidity   struct {
		USD   float64 `json:"usd"`
		Base  float64 `json:"base"`
		Quote float64 `json:"quote"`
	} `json:"liquidity"`
	FDV       float64 `json:"fdv"`
	MarketCap float64 `json:"marketCap"`
	Volume    struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
}

// slidingWindow admits at most max calls per window. Callers past the limit
// wait until the oldest timestamp ages out.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	stamps []time.Time
}

func newSlidingWindow(window time.Duration, max int) *slidingWindow {
	return &slidingWindow{window: window, max: max}
}

// Acquire blocks until a slot frees up or ctx is cancelled.
func (w *slidingWindow) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-w.window)
		kept := w.stamps[:0]
		for _, ts := range w.stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		w.stamps = kept

		if len(w.stamps) < w.max {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.stamps[0].Sub(cutoff)
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// AggregatorAdapter queries an external token-pair aggregator. Second in the
// fallback order; rate limited in-process and deferential to 429s.
type AggregatorAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	window  *slidingWindow
	logger  *zap.Logger

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedResult

	// Set on a 429; requests before this instant short-circuit.
	deferUntil time.Time
}

// NewAggregatorAdapter builds the adapter. window/maxRequests implement the
// 50-per-minute default when zero; apiKey may be empty for keyless tiers.
func NewAggregatorAdapter(baseURL, apiKey string, window time.Duration, maxRequests int, log *zap.Logger) *AggregatorAdapter {
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 50
	}
	return &AggregatorAdapter{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 5 * time.Second},
		window:   newSlidingWindow(window, maxRequests),
		logger:   log.Named("aggregator_adapter"),
		cacheTTL: 60 * time.Second,
		cache:    make(map[string]cachedResult),
	}
}

func (a *AggregatorAdapter) Name() string { return "aggregator" }

func (a *AggregatorAdapter) Recover(ctx context.Context, mint string) (*Result, error) {
	a.mu.Lock()
	if c, ok := a.cache[mint]; ok && time.Now().Before(c.expires) {
		a.mu.Unlock()
		r := c.result
		return &r, nil
	}
	if time.Now().Before(a.deferUntil) {
		a.mu.Unlock()
		return nil, ErrRateLimited
	}
	a.mu.Unlock()

	if err := a.window.Acquire(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/tokens/%s", a.baseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build aggregator request: %w", err)
	}
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		a.mu.Lock()
		a.deferUntil = time.Now().Add(retryAfter)
		a.mu.Unlock()
		a.logger.Warn("Aggregator rate limited", zap.Duration("retry_after", retryAfter))
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregator response: %w", err)
	}

	var pr pairResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to decode aggregator response: %w", err)
	}

	best := bestPair(pr.Pairs, mint)
	if best == nil {
		return nil, ErrPairNotFound
	}

	priceUSD, _ := strconv.ParseFloat(best.PriceUSD, 64)
	priceNative, _ := strconv.ParseFloat(best.PriceNative, 64)
	if priceUSD <= 0 {
		return nil, ErrPairNotFound
	}

	marketCap := best.MarketCap
	if marketCap == 0 {
		marketCap = best.FDV
	}

	result := Result{
		PriceSOL:       priceNative,
		PriceUSD:       priceUSD,
		MarketCapUSD:   marketCap,
		Source:         a.Name(),
		LiquidityUSD:   best.Liquidity.USD,
		Volume24hUSD:   best.Volume.H24,
		PriceChange24h: best.PriceChange.H24,
	}

	a.mu.Lock()
	a.cache[mint] = cachedResult{result: result, expires: time.Now().Add(a.cacheTTL)}
	a.mu.Unlock()

	a.logger.Debug("Recovered price from aggregator",
		zap.String("mint", mint),
		zap.String("pair", best.PairAddress),
		zap.Float64("price_usd", priceUSD),
		zap.Float64("liquidity_usd", best.Liquidity.USD))

	return &result, nil
}

// bestPair picks the base-token pair with the deepest USD liquidity.
func bestPair(pairs []pairInfo, mint string) *pairInfo {
	var best *pairInfo
	for i := range pairs {
		p := &pairs[i]
		if p.BaseToken.Address != mint {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	return best
}
