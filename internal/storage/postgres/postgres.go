// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/curvestream/curvestream/internal/storage"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// insertChunk caps the row count per INSERT statement.
const insertChunk = 100

// gormLogger adapts zap to the logger.Interface GORM expects.
type gormLogger struct {
	zapLogger *zap.Logger
	logLevel  logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{
		zapLogger: zapLogger,
		logLevel:  logger.Warn,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.logLevel = level
	return &newLogger
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.zapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.zapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.zapLogger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	if err != nil {
		l.zapLogger.Error("trace", append(fields, zap.Error(err))...)
		return
	}

	if l.logLevel >= logger.Info {
		l.zapLogger.Info("trace", fields...)
	}
}

// tokenUpdateColumns is what a batched token upsert is allowed to touch.
// Placeholder creation goes through EnsureToken and never overwrites.
var tokenUpdateColumns = []string{
	"program", "price_sol", "price_usd", "market_cap_usd", "progress",
	"complete", "last_trade_at", "last_price_update_at", "price_source",
	"is_stale", "updated_at",
}

type postgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore connects to Postgres and returns the Store implementation.
func NewStore(dsn string, zapLogger *zap.Logger) (storage.Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresStore{
		db:     db,
		logger: zapLogger,
	}, nil
}

// RunMigrations auto-migrates the schema under an advisory lock so parallel
// instances do not race.
func (p *postgresStore) RunMigrations() error {
	var lockObtained bool
	err := p.db.Raw("SELECT pg_try_advisory_lock(101)").Scan(&lockObtained).Error
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer p.db.Exec("SELECT pg_advisory_unlock(101)")

	err = p.db.AutoMigrate(
		&models.Token{},
		&models.Trade{},
		&models.PoolState{},
		&models.LiquidityEvent{},
		&models.FeeEvent{},
		&models.RecoveryBatch{},
		&models.StaleRun{},
		&models.DowntimePeriod{},
		&models.PerformanceMetric{},
		&models.PerformanceAlert{},
		&models.SolPrice{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *postgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FlushBatch lands a grouped batch in one transaction. Duplicate keys are
// silently discarded and counted.
func (p *postgresStore) FlushBatch(ctx context.Context, b storage.Batch) (storage.BatchResult, error) {
	var res storage.BatchResult
	if b.Len() == 0 {
		return res, nil
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(b.Trades) > 0 {
			r := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "signature"}},
				DoNothing: true,
			}).CreateInBatches(b.Trades, insertChunk)
			if r.Error != nil {
				return fmt.Errorf("failed to insert trades: %w", r.Error)
			}
			res.Inserted += int(r.RowsAffected)
			res.Duplicates += len(b.Trades) - int(r.RowsAffected)
		}

		if len(b.Tokens) > 0 {
			r := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "mint"}},
				DoUpdates: clause.AssignmentColumns(tokenUpdateColumns),
			}).CreateInBatches(b.Tokens, insertChunk)
			if r.Error != nil {
				return fmt.Errorf("failed to upsert tokens: %w", r.Error)
			}
			res.Inserted += int(r.RowsAffected)
		}

		if len(b.PoolStates) > 0 {
			r := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "pool"}, {Name: "slot"}},
				DoNothing: true,
			}).CreateInBatches(b.PoolStates, insertChunk)
			if r.Error != nil {
				return fmt.Errorf("failed to insert pool states: %w", r.Error)
			}
			res.Inserted += int(r.RowsAffected)
			res.Duplicates += len(b.PoolStates) - int(r.RowsAffected)
		}

		if len(b.Liquidity) > 0 {
			r := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "signature"}},
				DoNothing: true,
			}).CreateInBatches(b.Liquidity, insertChunk)
			if r.Error != nil {
				return fmt.Errorf("failed to insert liquidity events: %w", r.Error)
			}
			res.Inserted += int(r.RowsAffected)
			res.Duplicates += len(b.Liquidity) - int(r.RowsAffected)
		}

		if len(b.Fees) > 0 {
			r := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "signature"}, {Name: "event_type"}},
				DoNothing: true,
			}).CreateInBatches(b.Fees, insertChunk)
			if r.Error != nil {
				return fmt.Errorf("failed to insert fee events: %w", r.Error)
			}
			res.Inserted += int(r.RowsAffected)
			res.Duplicates += len(b.Fees) - int(r.RowsAffected)
		}

		if len(b.SolPrices) > 0 {
			r := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "source"}},
				DoUpdates: clause.AssignmentColumns([]string{"price_usd", "fetched_at", "updated_at"}),
			}).CreateInBatches(b.SolPrices, insertChunk)
			if r.Error != nil {
				return fmt.Errorf("failed to upsert sol prices: %w", r.Error)
			}
			res.Inserted += int(r.RowsAffected)
		}

		return nil
	})
	if err != nil {
		return storage.BatchResult{}, err
	}
	return res, nil
}

func (p *postgresStore) GetToken(ctx context.Context, mint string) (*models.Token, error) {
	var token models.Token
	err := p.db.WithContext(ctx).Where("mint = ?", mint).First(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// EnsureToken inserts a placeholder row, never overwriting an existing one.
func (p *postgresStore) EnsureToken(ctx context.Context, placeholder *models.Token) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mint"}},
		DoNothing: true,
	}).Create(placeholder).Error
}

// MarkGraduated flips a mint to the AMM program. The flag never clears.
func (p *postgresStore) MarkGraduated(ctx context.Context, mint, signature string, slot uint64) error {
	return p.db.WithContext(ctx).Model(&models.Token{}).
		Where("mint = ?", mint).
		Updates(map[string]interface{}{
			"graduated":            true,
			"complete":             true,
			"progress":             100.0,
			"program":              "amm_pool",
			"graduation_slot":      slot,
			"graduation_signature": signature,
		}).Error
}

func (p *postgresStore) UpdateTokenPrice(ctx context.Context, mint string, upd storage.TokenPriceUpdate) error {
	return p.db.WithContext(ctx).Model(&models.Token{}).
		Where("mint = ?", mint).
		Updates(map[string]interface{}{
			"price_sol":            upd.PriceSOL,
			"price_usd":            upd.PriceUSD,
			"market_cap_usd":       upd.MarketCapUSD,
			"progress":             upd.Progress,
			"price_source":         upd.Source,
			"last_price_update_at": upd.UpdatedAt,
			"is_stale":             false,
		}).Error
}

func (p *postgresStore) SetTokenStale(ctx context.Context, mints []string, stale bool) error {
	if len(mints) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).Model(&models.Token{}).
		Where("mint IN ?", mints).
		Update("is_stale", stale).Error
}

// StaleTokens returns tokens above the market-cap floor whose price has not
// moved since olderThan, highest market cap first.
func (p *postgresStore) StaleTokens(ctx context.Context, minMarketCap decimal.Decimal, olderThan time.Time, limit int) ([]*models.Token, error) {
	var tokens []*models.Token
	err := p.db.WithContext(ctx).
		Where("market_cap_usd >= ?", minMarketCap).
		Where("should_remove = ?", false).
		Where("last_price_update_at IS NULL OR last_price_update_at < ?", olderThan).
		Order("market_cap_usd desc").
		Limit(limit).
		Find(&tokens).Error
	return tokens, err
}

func (p *postgresStore) TokensAboveMarketCap(ctx context.Context, minMarketCap decimal.Decimal) ([]*models.Token, error) {
	var tokens []*models.Token
	err := p.db.WithContext(ctx).
		Where("market_cap_usd >= ?", minMarketCap).
		Where("should_remove = ?", false).
		Order("market_cap_usd desc").
		Find(&tokens).Error
	return tokens, err
}

func (p *postgresStore) LatestPoolState(ctx context.Context, mint string) (*models.PoolState, error) {
	var state models.PoolState
	err := p.db.WithContext(ctx).
		Where("mint = ?", mint).
		Order("slot desc").
		First(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *postgresStore) SaveRecoveryBatch(ctx context.Context, b *models.RecoveryBatch) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		UpdateAll: true,
	}).Create(b).Error
}

func (p *postgresStore) LastSuccessfulBatch(ctx context.Context) (*models.RecoveryBatch, error) {
	var batch models.RecoveryBatch
	err := p.db.WithContext(ctx).
		Where("status = ?", models.BatchCompleted).
		Order("completed_at desc").
		First(&batch).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (p *postgresStore) SaveStaleRun(ctx context.Context, r *models.StaleRun) error {
	return p.db.WithContext(ctx).Create(r).Error
}

func (p *postgresStore) SaveDowntime(ctx context.Context, d *models.DowntimePeriod) error {
	return p.db.WithContext(ctx).Create(d).Error
}

func (p *postgresStore) SavePerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error {
	return p.db.WithContext(ctx).Create(m).Error
}

// SaveAlert creates or updates an alert in place, keyed by alert id.
func (p *postgresStore) SaveAlert(ctx context.Context, a *models.PerformanceAlert) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alert_id"}},
		UpdateAll: true,
	}).Create(a).Error
}

func (p *postgresStore) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	return p.db.WithContext(ctx).Model(&models.PerformanceAlert{}).
		Where("alert_id = ?", alertID).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": at,
		}).Error
}

func (p *postgresStore) SaveSolPrice(ctx context.Context, price *models.SolPrice) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_usd", "fetched_at", "updated_at"}),
	}).Create(price).Error
}

func (p *postgresStore) LatestSolPrice(ctx context.Context) (*models.SolPrice, error) {
	var price models.SolPrice
	err := p.db.WithContext(ctx).Order("fetched_at desc").First(&price).Error
	if err != nil {
		return nil, err
	}
	return &price, nil
}
