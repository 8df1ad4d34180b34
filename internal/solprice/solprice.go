// internal/solprice/solprice.go
package solprice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/storage"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// ErrNoPrice is returned before the first successful fetch when no persisted
// rate was available either.
var ErrNoPrice = errors.New("no SOL/USD rate available yet")

const sourceTag = "spot_api"

// response is the spot-price API shape.
type response struct {
	Solana struct {
		USD float64 `json:"usd"`
	} `json:"solana"`
}

// Service keeps a fresh SOL/USD rate: it refreshes from the spot-price API
// on an interval, caches the value in memory and upserts it through the
// store so a restart resumes with the last known rate.
type Service struct {
	url      string
	interval time.Duration
	client   *http.Client
	store    storage.Store
	logger   *zap.Logger

	mu        sync.RWMutex
	price     float64
	fetchedAt time.Time
}

// New builds the service. store may be nil in tests.
func New(url string, interval time.Duration, store storage.Store, logger *zap.Logger) *Service {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Service{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		store:    store,
		logger:   logger.Named("sol_price"),
	}
}

// Start seeds the rate (persisted row first, then a live fetch) and begins
// the refresh loop. The loop runs until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.store != nil {
		if row, err := s.store.LatestSolPrice(ctx); err == nil {
			s.mu.Lock()
			s.price, _ = row.PriceUSD.Float64()
			s.fetchedAt = row.FetchedAt
			s.mu.Unlock()
			s.logger.Info("Resumed SOL/USD rate from store",
				zap.Float64("price_usd", s.Price()),
				zap.Time("fetched_at", row.FetchedAt))
		}
	}

	if err := s.refresh(ctx); err != nil {
		s.logger.Warn("Initial SOL/USD fetch failed", zap.Error(err))
	}

	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				s.logger.Warn("SOL/USD refresh failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) refresh(ctx context.Context) error {
	price, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.price = price
	s.fetchedAt = now
	s.mu.Unlock()

	if s.store != nil {
		row := &models.SolPrice{
			Source:    sourceTag,
			PriceUSD:  decimal.NewFromFloat(price),
			FetchedAt: now,
		}
		if err := s.store.SaveSolPrice(ctx, row); err != nil {
			s.logger.Warn("Failed to persist SOL/USD rate", zap.Error(err))
		}
	}

	s.logger.Debug("SOL/USD rate refreshed", zap.Float64("price_usd", price))
	return nil
}

func (s *Service) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("spot price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("spot price API returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("failed to read spot price response: %w", err)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return 0, fmt.Errorf("failed to decode spot price response: %w", err)
	}
	if r.Solana.USD <= 0 {
		return 0, fmt.Errorf("spot price API returned non-positive rate %f", r.Solana.USD)
	}
	return r.Solana.USD, nil
}

// Price returns the cached rate, zero before the first success.
func (s *Service) Price() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price
}

// Rate returns the cached rate or ErrNoPrice when nothing has been fetched
// or restored yet.
func (s *Service) Rate() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price <= 0 {
		return 0, ErrNoPrice
	}
	return s.price, nil
}

// FetchedAt returns when the cached rate was obtained.
func (s *Service) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}
