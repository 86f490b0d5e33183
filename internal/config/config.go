// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Database    DatabaseConfig    `yaml:"database"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	KillSwitchEnvVar string `yaml:"kill_switch_env_var"`
}

// ExchangeConfig contains the single exchange's connection settings.
type ExchangeConfig struct {
	Name                string `yaml:"name" validate:"required,oneof=mock binance"`
	APIKey              Secret `yaml:"api_key"`
	SecretKey           Secret `yaml:"secret_key"`
	Passphrase          Secret `yaml:"passphrase"`
	BaseURL             string `yaml:"base_url"`
	CredentialEnvPrefix string `yaml:"credential_env_prefix"`
}

// TradingConfig contains the scanner/entry/exit parameters from spec §6.
type TradingConfig struct {
	QuoteCurrency            string  `yaml:"quote_currency" validate:"required"`
	NotionalPerEntryUSD      float64 `yaml:"notional_per_entry_usd" validate:"required,min=1"`
	MaxOpenPositions         int     `yaml:"max_open_positions" validate:"required,min=1"`
	EntryFundingRateThresh   float64 `yaml:"entry_funding_rate_threshold"`
	ExitFundingRateThresh    float64 `yaml:"exit_funding_rate_threshold"`
	FundingDebounceCount     int     `yaml:"funding_debounce_count" validate:"min=1"`
	MinVolume24h             float64 `yaml:"min_volume_24h"`
	EntrySpreadThreshold     float64 `yaml:"entry_spread_threshold"`
	ExitSpreadThreshold      float64 `yaml:"exit_spread_threshold"`
}

// RiskConfig contains margin-usage thresholds for the PositionGuardian.
type RiskConfig struct {
	MarginUsageHigh      float64 `yaml:"margin_usage_high" validate:"min=0,max=1"`
	MarginUsageTarget    float64 `yaml:"margin_usage_target" validate:"min=0,max=1"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" validate:"min=1"`
	MaxDrawdownUSD       float64 `yaml:"max_drawdown_usd"`
}

// TimingConfig contains every period/timeout/backoff parameter spec §4
// and §5 name explicitly.
type TimingConfig struct {
	ScannerIntervalSeconds        int     `yaml:"scanner_interval_seconds" validate:"min=1"`
	GuardianIntervalSeconds       int     `yaml:"guardian_interval_seconds" validate:"min=1"`
	SupervisorIntervalSeconds     int     `yaml:"supervisor_interval_seconds" validate:"min=1"`
	GatewayBackoffBaseMs          int     `yaml:"gateway_backoff_base_ms" validate:"min=1"`
	GatewayBackoffFactor          float64 `yaml:"gateway_backoff_factor" validate:"min=1"`
	GatewayBackoffCapMs           int     `yaml:"gateway_backoff_cap_ms" validate:"min=1"`
	GatewayBackoffJitterPct       float64 `yaml:"gateway_backoff_jitter_pct" validate:"min=0,max=1"`
	GatewayMaxRetries             int     `yaml:"gateway_max_retries" validate:"min=1"`
	EntryJoinTimeoutSeconds       int     `yaml:"entry_join_timeout_seconds" validate:"min=1"`
	AmbiguousPollIntervalMs       int     `yaml:"ambiguous_poll_interval_ms" validate:"min=1"`
	AmbiguousSingleLegMaxSeconds  int     `yaml:"ambiguous_single_leg_max_seconds" validate:"min=1"`
	AmbiguousDoubleLegMaxSeconds  int     `yaml:"ambiguous_double_leg_max_seconds" validate:"min=1"`
	ExitRetryMaxAttempts          int     `yaml:"exit_retry_max_attempts" validate:"min=1"`
	KillSwitchDrainTimeoutSeconds int     `yaml:"kill_switch_drain_timeout_seconds" validate:"min=1"`
}

// ConcurrencyConfig contains worker pool settings for the Scanner.
type ConcurrencyConfig struct {
	ScannerPoolSize   int `yaml:"scanner_pool_size" validate:"min=1"`
	ScannerPoolBuffer int `yaml:"scanner_pool_buffer" validate:"min=1"`
}

// TelemetryConfig contains OTel/Prometheus settings.
type TelemetryConfig struct {
	MetricsPort    int  `yaml:"metrics_port"`
	EnableMetrics  bool `yaml:"enable_metrics"`
	EnableTracing  bool `yaml:"enable_tracing"`
}

// DatabaseConfig contains the positions store path and, if running the
// durable order manager, the DBOS system database DSN.
type DatabaseConfig struct {
	PositionsDBPath string `yaml:"positions_db_path" validate:"required"`
	DBOSDatabaseURL string `yaml:"dbos_database_url"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration,
// aggregating every violation into a single error.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchange() error {
	validExchanges := []string{"mock", "binance"}
	if !contains(validExchanges, c.Exchange.Name) {
		return ValidationError{
			Field:   "exchange.name",
			Value:   c.Exchange.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.QuoteCurrency == "" {
		return ValidationError{Field: "trading.quote_currency", Message: "quote currency is required"}
	}
	if c.Trading.MaxOpenPositions <= 0 {
		return ValidationError{
			Field: "trading.max_open_positions", Value: c.Trading.MaxOpenPositions,
			Message: "must be positive",
		}
	}
	if c.Trading.NotionalPerEntryUSD <= 0 {
		return ValidationError{
			Field: "trading.notional_per_entry_usd", Value: c.Trading.NotionalPerEntryUSD,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.PositionsDBPath == "" {
		return ValidationError{Field: "database.positions_db_path", Message: "positions database path is required"}
	}
	return nil
}

// NotionalPerEntryUSDDecimal returns the per-entry notional as a
// decimal.Decimal for arithmetic against prices and quantities.
func (t TradingConfig) NotionalPerEntryUSDDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.NotionalPerEntryUSD)
}

// GatewayBackoffBase returns the Gateway's base retry backoff duration.
func (t TimingConfig) GatewayBackoffBase() time.Duration {
	return time.Duration(t.GatewayBackoffBaseMs) * time.Millisecond
}

// GatewayBackoffCap returns the Gateway's maximum retry backoff duration.
func (t TimingConfig) GatewayBackoffCap() time.Duration {
	return time.Duration(t.GatewayBackoffCapMs) * time.Millisecond
}

// String returns a string representation of the configuration with
// sensitive data masked.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// isCriticalEnvVar reports whether a missing environment variable should
// be treated as a startup-blocking condition rather than silently
// expanding to an empty string. Exchange credentials are critical; most
// other settings have safe defaults.
func isCriticalEnvVar(envVar string) bool {
	if envVar == "" {
		return false
	}
	suffixes := []string{"_API_KEY", "_SECRET_KEY", "_PASSPHRASE"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(envVar, suffix) {
			return true
		}
	}
	return false
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{KillSwitchEnvVar: "FUNDINGARB_KILL_SWITCH"},
		Exchange: ExchangeConfig{
			Name:      "mock",
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
		},
		Trading: TradingConfig{
			QuoteCurrency:          "USDT",
			NotionalPerEntryUSD:    1000,
			MaxOpenPositions:       3,
			EntryFundingRateThresh: 0.0003,
			ExitFundingRateThresh:  0.00005,
			FundingDebounceCount:   3,
			MinVolume24h:           10_000_000,
			EntrySpreadThreshold:   0.002,
			ExitSpreadThreshold:    -0.01,
		},
		Risk: RiskConfig{
			MarginUsageHigh:      0.80,
			MarginUsageTarget:    0.50,
			MaxConsecutiveLosses: 3,
		},
		Timing: TimingConfig{
			ScannerIntervalSeconds:        60,
			GuardianIntervalSeconds:       10,
			SupervisorIntervalSeconds:     5,
			GatewayBackoffBaseMs:          1000,
			GatewayBackoffFactor:          2.0,
			GatewayBackoffCapMs:           60000,
			GatewayBackoffJitterPct:       0.2,
			GatewayMaxRetries:             5,
			EntryJoinTimeoutSeconds:       10,
			AmbiguousPollIntervalMs:       500,
			AmbiguousSingleLegMaxSeconds:  5,
			AmbiguousDoubleLegMaxSeconds:  30,
			ExitRetryMaxAttempts:          3,
			KillSwitchDrainTimeoutSeconds: 60,
		},
		Concurrency: ConcurrencyConfig{
			ScannerPoolSize:   10,
			ScannerPoolBuffer: 100,
		},
		Database: DatabaseConfig{
			PositionsDBPath: "fundingarb.db",
		},
	}
}
