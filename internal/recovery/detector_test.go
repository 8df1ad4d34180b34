// internal/recovery/detector_test.go
package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/curvestream/curvestream/internal/recovery/adapters"
	"github.com/curvestream/curvestream/internal/storage"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// fakeStore implements storage.Store in memory for detector tests.
type fakeStore struct {
	mu sync.Mutex

	staleTokens  []*models.Token
	priceUpdates map[string]storage.TokenPriceUpdate
	staleFlags   map[string]bool
	batches      []*models.RecoveryBatch
	runs         []*models.StaleRun
	lastBatch    *models.RecoveryBatch
	allTokens    []*models.Token
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		priceUpdates: make(map[string]storage.TokenPriceUpdate),
		staleFlags:   make(map[string]bool),
	}
}

func (f *fakeStore) FlushBatch(context.Context, storage.Batch) (storage.BatchResult, error) {
	return storage.BatchResult{}, nil
}
func (f *fakeStore) RunMigrations() error { return nil }
func (f *fakeStore) Close() error         { return nil }
func (f *fakeStore) GetToken(context.Context, string) (*models.Token, error) {
	return nil, gorm.ErrRecordNotFound
}
func (f *fakeStore) EnsureToken(context.Context, *models.Token) error { return nil }
func (f *fakeStore) MarkGraduated(context.Context, string, string, uint64) error {
	return nil
}

func (f *fakeStore) UpdateTokenPrice(_ context.Context, mint string, upd storage.TokenPriceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceUpdates[mint] = upd
	return nil
}

func (f *fakeStore) SetTokenStale(_ context.Context, mints []string, stale bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mints {
		f.staleFlags[m] = stale
	}
	return nil
}

func (f *fakeStore) StaleTokens(context.Context, decimal.Decimal, time.Time, int) ([]*models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staleTokens, nil
}

func (f *fakeStore) TokensAboveMarketCap(context.Context, decimal.Decimal) ([]*models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allTokens, nil
}

func (f *fakeStore) LatestPoolState(context.Context, string) (*models.PoolState, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) SaveRecoveryBatch(_ context.Context, b *models.RecoveryBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeStore) LastSuccessfulBatch(context.Context) (*models.RecoveryBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastBatch == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return f.lastBatch, nil
}

func (f *fakeStore) SaveStaleRun(_ context.Context, r *models.StaleRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
	return nil
}

func (f *fakeStore) SaveDowntime(context.Context, *models.DowntimePeriod) error       { return nil }
func (f *fakeStore) SavePerformanceMetric(context.Context, *models.PerformanceMetric) error {
	return nil
}
func (f *fakeStore) SaveAlert(context.Context, *models.PerformanceAlert) error { return nil }
func (f *fakeStore) ResolveAlert(context.Context, string, time.Time) error     { return nil }
func (f *fakeStore) SaveSolPrice(context.Context, *models.SolPrice) error      { return nil }
func (f *fakeStore) LatestSolPrice(context.Context) (*models.SolPrice, error) {
	return nil, gorm.ErrRecordNotFound
}

// scriptedAdapter returns canned results per mint.
type scriptedAdapter struct {
	name    string
	results map[string]*adapters.Result
	errs    map[string]error
	mu      sync.Mutex
	calls   []string
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Recover(_ context.Context, mint string) (*adapters.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, mint)
	a.mu.Unlock()
	if err, ok := a.errs[mint]; ok {
		return nil, err
	}
	if r, ok := a.results[mint]; ok {
		return r, nil
	}
	return nil, errors.New("unknown mint")
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func staleToken(mint string, mcap float64, staleFor time.Duration) *models.Token {
	at := time.Now().Add(-staleFor)
	return &models.Token{
		Mint:              mint,
		MarketCapUSD:      decimal.NewFromFloat(mcap),
		LastPriceUpdateAt: &at,
	}
}

func TestDetector_ScanQueuesByPriority(t *testing.T) {
	store := newFakeStore()
	// Scenario: market cap 25k, stale 65 min => 50 + 20 + 10 = 80.
	store.staleTokens = []*models.Token{
		staleToken("T", 25_000, 65*time.Minute),
		staleToken("small", 6_000, 35*time.Minute),
	}

	d := NewDetector(Config{}, store, nil, nil, zaptest.NewLogger(t))
	d.Scan(context.Background())

	batch := d.Queue().NextBatch(10)
	require.Len(t, batch, 2)
	assert.Equal(t, "T", batch[0].Mint)
	assert.Equal(t, 80, batch[0].Priority)
	assert.True(t, store.staleFlags["T"])
	require.Len(t, store.runs, 1)
	assert.Equal(t, 2, store.runs[0].TokensQueued)
}

func TestDetector_ProcessQueueRecovers(t *testing.T) {
	store := newFakeStore()
	primary := &scriptedAdapter{
		name: "amm_pool_state",
		results: map[string]*adapters.Result{
			"T": {PriceSOL: 1e-7, PriceUSD: 1.8e-5, MarketCapUSD: 18_000, Source: "amm_pool_state"},
		},
	}

	d := NewDetector(Config{}, store, []adapters.Adapter{primary}, nil, zaptest.NewLogger(t))
	d.Queue().Enqueue("T", 80)
	d.ProcessQueue(context.Background(), "scan")

	upd, ok := store.priceUpdates["T"]
	require.True(t, ok)
	assert.Equal(t, "amm_pool_state", upd.Source)

	require.Len(t, store.batches, 1)
	b := store.batches[0]
	assert.Equal(t, models.BatchCompleted, b.Status)
	assert.Equal(t, 1, b.TokensChecked)
	assert.Equal(t, 1, b.TokensRecovered)
	assert.Equal(t, 0, d.Queue().InFlight())
}

func TestDetector_FallbackOrder(t *testing.T) {
	store := newFakeStore()
	first := &scriptedAdapter{
		name: "amm_pool_state",
		errs: map[string]error{"T": adapters.ErrNoFreshPoolState},
	}
	second := &scriptedAdapter{
		name: "aggregator",
		results: map[string]*adapters.Result{
			"T": {PriceUSD: 2e-5, MarketCapUSD: 20_000, Source: "aggregator"},
		},
	}

	d := NewDetector(Config{}, store, []adapters.Adapter{first, second}, nil, zaptest.NewLogger(t))
	d.Queue().Enqueue("T", 80)
	d.ProcessQueue(context.Background(), "scan")

	assert.Equal(t, 1, first.callCount())
	assert.Equal(t, 1, second.callCount())
	assert.Equal(t, "aggregator", store.priceUpdates["T"].Source)
	require.Len(t, store.batches, 1)
	assert.Equal(t, 1, store.batches[0].ExternalQueries)
}

func TestDetector_FailureRequeuesUntilRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	failing := &scriptedAdapter{
		name: "amm_pool_state",
		errs: map[string]error{"T": adapters.ErrNoFreshPoolState},
	}

	d := NewDetector(Config{MaxRetries: 2}, store, []adapters.Adapter{failing}, nil, zaptest.NewLogger(t))
	d.Queue().Enqueue("T", 80)

	d.ProcessQueue(context.Background(), "scan")
	assert.Equal(t, 1, d.Queue().Len(), "first failure re-queues")

	d.ProcessQueue(context.Background(), "scan")
	assert.Equal(t, 0, d.Queue().Len(), "retries exhausted")
	assert.Equal(t, 0, d.Queue().InFlight())

	require.Len(t, store.batches, 2)
	assert.Equal(t, models.BatchFailed, store.batches[0].Status)
}

func TestDetector_StartupRecovery(t *testing.T) {
	store := newFakeStore()
	store.allTokens = []*models.Token{
		{Mint: "big", MarketCapUSD: decimal.NewFromInt(90_000)},
		{Mint: "small", MarketCapUSD: decimal.NewFromInt(2_000)},
	}
	adapter := &scriptedAdapter{
		name: "amm_pool_state",
		results: map[string]*adapters.Result{
			"big":   {PriceUSD: 9e-5, MarketCapUSD: 90_000, Source: "amm_pool_state"},
			"small": {PriceUSD: 2e-6, MarketCapUSD: 2_000, Source: "amm_pool_state"},
		},
	}

	d := NewDetector(Config{}, store, []adapters.Adapter{adapter}, nil, zaptest.NewLogger(t))
	d.startupRecovery(context.Background())

	require.Len(t, store.batches, 1)
	assert.Equal(t, "startup", store.batches[0].Kind)
	assert.Equal(t, 2, store.batches[0].TokensRecovered)
	assert.Len(t, store.priceUpdates, 2)
}

func TestDetector_StartupRecoverySkippedWhenRecent(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.lastBatch = &models.RecoveryBatch{
		BatchID:     "prev",
		Status:      models.BatchCompleted,
		CompletedAt: &now,
	}
	store.allTokens = []*models.Token{
		{Mint: "big", MarketCapUSD: decimal.NewFromInt(90_000)},
	}

	d := NewDetector(Config{}, store, nil, nil, zaptest.NewLogger(t))
	d.startupRecovery(context.Background())

	assert.Empty(t, store.batches)
	assert.Equal(t, 0, d.Queue().Len())
}

func TestDetector_CancelledBatchPersistsStatus(t *testing.T) {
	store := newFakeStore()
	adapter := &scriptedAdapter{name: "amm_pool_state", results: map[string]*adapters.Result{}}

	d := NewDetector(Config{}, store, []adapters.Adapter{adapter}, nil, zaptest.NewLogger(t))
	d.Queue().Enqueue("T", 80)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.ProcessQueue(ctx, "scan")

	require.Len(t, store.batches, 1)
	assert.Equal(t, models.BatchCancelled, store.batches[0].Status)
}
