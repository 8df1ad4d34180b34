// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full option set of the pipeline. Every field has a default;
// validation failure at startup is fatal.
type Config struct {
	// Streaming transport.
	StreamURL              string `mapstructure:"stream_url"`
	StreamToken            string `mapstructure:"stream_token"`
	Commitment             string `mapstructure:"commitment"`
	ReconnectBaseMs        int    `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMs         int    `mapstructure:"reconnect_max_ms"`
	MaxReconnectsPerMinute int    `mapstructure:"max_reconnects_per_minute"`
	StreamBufferSize       int    `mapstructure:"stream_buffer_size"`

	// Persistence.
	PostgresURL     string `mapstructure:"postgres_url"`
	BatchSize       int    `mapstructure:"batch_size"`
	BatchIntervalMs int    `mapstructure:"batch_interval_ms"`

	// Pricing.
	MarketCapThresholdUSD  float64 `mapstructure:"market_cap_threshold_usd"`
	BCStartSOL             float64 `mapstructure:"bc_start_sol"`
	BCTargetSOL            float64 `mapstructure:"bc_target_sol"`
	TokenDecimals          uint8   `mapstructure:"token_decimals"`
	FullyDilutedSupply     float64 `mapstructure:"fully_diluted_supply"`
	PriceDivergenceWarnPct float64 `mapstructure:"price_divergence_warn_pct"`

	// Stale detection and recovery.
	StaleThresholdMinutes           int `mapstructure:"stale_threshold_minutes"`
	CriticalStaleMinutes            int `mapstructure:"critical_stale_minutes"`
	ScanIntervalMinutes             int `mapstructure:"scan_interval_minutes"`
	RecoveryBatchSize               int `mapstructure:"recovery_batch_size"`
	MaxConcurrentRecoveries         int `mapstructure:"max_concurrent_recoveries"`
	MaxRecoveryRetries              int `mapstructure:"max_recovery_retries"`
	EnableStartupRecovery           bool `mapstructure:"enable_startup_recovery"`
	StartupRecoveryThresholdMinutes int `mapstructure:"startup_recovery_threshold_minutes"`

	// External APIs.
	AggregatorURL        string `mapstructure:"aggregator_url"`
	AggregatorKey        string `mapstructure:"aggregator_key"`
	SolPriceURL          string `mapstructure:"sol_price_url"`
	RPCURL               string `mapstructure:"rpc_url"`
	RateLimitWindowMs    int    `mapstructure:"rate_limit_window_ms"`
	MaxRequestsPerWindow int    `mapstructure:"max_requests_per_window"`

	// Logging.
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogCompress   bool   `mapstructure:"log_compress"`
	Development   bool   `mapstructure:"development"`
}

// Durations derived from the millisecond/minute options.

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMinutes) * time.Minute
}

func (c *Config) CriticalStale() time.Duration {
	return time.Duration(c.CriticalStaleMinutes) * time.Minute
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMinutes) * time.Minute
}

func (c *Config) StartupRecoveryThreshold() time.Duration {
	return time.Duration(c.StartupRecoveryThresholdMinutes) * time.Minute
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]interface{}{
		"commitment":                "confirmed",
		"reconnect_base_ms":         1000,
		"reconnect_max_ms":          60000,
		"max_reconnects_per_minute": 30,
		"stream_buffer_size":        1000,

		"batch_size":        100,
		"batch_interval_ms": 1000,

		"market_cap_threshold_usd":  8888.0,
		"bc_start_sol":              30.0,
		"bc_target_sol":             85.0,
		"token_decimals":            6,
		"fully_diluted_supply":      1_000_000_000.0,
		"price_divergence_warn_pct": 1.0,

		"stale_threshold_minutes":            30,
		"critical_stale_minutes":             60,
		"scan_interval_minutes":              5,
		"recovery_batch_size":                100,
		"max_concurrent_recoveries":          3,
		"max_recovery_retries":               3,
		"enable_startup_recovery":            true,
		"startup_recovery_threshold_minutes": 5,

		"aggregator_url":          "https://api.dexscreener.com/latest/dex",
		"sol_price_url":           "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd",
		"rate_limit_window_ms":    60000,
		"max_requests_per_window": 50,

		"log_file":        "curvestream.log",
		"log_max_size_mb": 100,
		"log_max_backups": 3,
		"log_max_age_days": 7,
		"log_compress":    true,
		"development":     false,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the config file at path (optional: "" skips the file), applies
// CURVESTREAM_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CURVESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the option set for startup-fatal mistakes.
func (c *Config) Validate() error {
	if c.StreamURL == "" {
		return errors.New("stream_url is required")
	}
	if err := validateScheme(c.StreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("stream_url: %w", err)
	}
	if c.PostgresURL == "" {
		return errors.New("postgres_url is required")
	}
	if c.RPCURL != "" {
		if err := validateScheme(c.RPCURL, "http", "https"); err != nil {
			return fmt.Errorf("rpc_url: %w", err)
		}
	}
	if err := validateScheme(c.AggregatorURL, "http", "https"); err != nil {
		return fmt.Errorf("aggregator_url: %w", err)
	}
	if err := validateScheme(c.SolPriceURL, "http", "https"); err != nil {
		return fmt.Errorf("sol_price_url: %w", err)
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("invalid commitment %q", c.Commitment)
	}

	return c.validateNumerics()
}

func (c *Config) validateNumerics() error {
	positives := map[string]float64{
		"reconnect_base_ms":         float64(c.ReconnectBaseMs),
		"reconnect_max_ms":          float64(c.ReconnectMaxMs),
		"max_reconnects_per_minute": float64(c.MaxReconnectsPerMinute),
		"batch_size":                float64(c.BatchSize),
		"batch_interval_ms":         float64(c.BatchIntervalMs),
		"stale_threshold_minutes":   float64(c.StaleThresholdMinutes),
		"scan_interval_minutes":     float64(c.ScanIntervalMinutes),
		"recovery_batch_size":       float64(c.RecoveryBatchSize),
		"max_concurrent_recoveries": float64(c.MaxConcurrentRecoveries),
		"rate_limit_window_ms":      float64(c.RateLimitWindowMs),
		"max_requests_per_window":   float64(c.MaxRequestsPerWindow),
		"fully_diluted_supply":      c.FullyDilutedSupply,
	}
	for name, value := range positives {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.ReconnectMaxMs < c.ReconnectBaseMs {
		return errors.New("reconnect_max_ms must be at least reconnect_base_ms")
	}
	if c.BCTargetSOL <= c.BCStartSOL {
		return errors.New("bc_target_sol must exceed bc_start_sol")
	}
	if c.MarketCapThresholdUSD < 0 {
		return errors.New("market_cap_threshold_usd must not be negative")
	}
	if c.MaxRecoveryRetries < 1 {
		return errors.New("max_recovery_retries must be at least 1")
	}
	return nil
}

func validateScheme(rawURL string, schemes ...string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("URL scheme must be one of %v", schemes)
}
