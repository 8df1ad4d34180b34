// internal/recovery/adapters/aggregator_test.go
package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const pairsBody = `{
	"pairs": [
		{
			"pairAddress": "shallow",
			"baseToken": {"address": "MINT", "symbol": "TKN"},
			"priceUsd": "0.000020",
			"priceNative": "0.00000011",
			"liquidity": {"usd": 5000},
			"marketCap": 19000,
			"volume": {"h24": 1200},
			"priceChange": {"h24": -3.5}
		},
		{
			"pairAddress": "deep",
			"baseToken": {"address": "MINT", "symbol": "TKN"},
			"priceUsd": "0.000021",
			"priceNative": "0.00000012",
			"liquidity": {"usd": 80000},
			"marketCap": 21000,
			"volume": {"h24": 54000},
			"priceChange": {"h24": 4.2}
		},
		{
			"pairAddress": "other-token",
			"baseToken": {"address": "OTHER", "symbol": "OTH"},
			"priceUsd": "1.00",
			"liquidity": {"usd": 900000}
		}
	]
}`

func TestAggregatorAdapter_PicksDeepestPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tokens/MINT", r.URL.Path)
		w.Write([]byte(pairsBody))
	}))
	defer srv.Close()

	adapter := NewAggregatorAdapter(srv.URL, "", time.Minute, 50, zaptest.NewLogger(t))
	result, err := adapter.Recover(context.Background(), "MINT")
	require.NoError(t, err)

	assert.Equal(t, "aggregator", result.Source)
	assert.InDelta(t, 0.000021, result.PriceUSD, 1e-9)
	assert.InDelta(t, 0.00000012, result.PriceSOL, 1e-12)
	assert.InDelta(t, 21000, result.MarketCapUSD, 1e-6)
	assert.InDelta(t, 80000, result.LiquidityUSD, 1e-6)
	assert.InDelta(t, 54000, result.Volume24hUSD, 1e-6)
	assert.InDelta(t, 4.2, result.PriceChange24h, 1e-9)
}

func TestAggregatorAdapter_CachesResult(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Write([]byte(pairsBody))
	}))
	defer srv.Close()

	adapter := NewAggregatorAdapter(srv.URL, "", time.Minute, 50, zaptest.NewLogger(t))
	_, err := adapter.Recover(context.Background(), "MINT")
	require.NoError(t, err)
	_, err = adapter.Recover(context.Background(), "MINT")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second lookup served from cache")
}

func TestAggregatorAdapter_SendsAPIKey(t *testing.T) {
	keys := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("X-API-Key")
		w.Write([]byte(pairsBody))
	}))
	defer srv.Close()

	adapter := NewAggregatorAdapter(srv.URL, "key-abc", time.Minute, 50, zaptest.NewLogger(t))
	_, err := adapter.Recover(context.Background(), "MINT")
	require.NoError(t, err)
	assert.Equal(t, "key-abc", <-keys)
}

func TestAggregatorAdapter_PairNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"pairs": []}`))
	}))
	defer srv.Close()

	adapter := NewAggregatorAdapter(srv.URL, "", time.Minute, 50, zaptest.NewLogger(t))
	_, err := adapter.Recover(context.Background(), "MINT")
	assert.ErrorIs(t, err, ErrPairNotFound)
}

func TestAggregatorAdapter_DefersAfter429(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	adapter := NewAggregatorAdapter(srv.URL, "", time.Minute, 50, zaptest.NewLogger(t))

	_, err := adapter.Recover(context.Background(), "MINT")
	assert.ErrorIs(t, err, ErrRateLimited)

	// Deferral window open: no second request goes out.
	_, err = adapter.Recover(context.Background(), "other")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, hits)
}

func TestSlidingWindow_BlocksUntilSlotFrees(t *testing.T) {
	w := newSlidingWindow(100*time.Millisecond, 2)
	ctx := context.Background()

	require.NoError(t, w.Acquire(ctx))
	require.NoError(t, w.Acquire(ctx))

	start := time.Now()
	require.NoError(t, w.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestSlidingWindow_CancelledWhileWaiting(t *testing.T) {
	w := newSlidingWindow(time.Minute, 1)
	require.NoError(t, w.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Acquire(ctx))
}
