package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `exchange:
  name: "mock"
  api_key: "${TEST_EXCHANGE_API_KEY}"
  secret_key: "${TEST_EXCHANGE_SECRET_KEY}"
  base_url: "https://example.invalid"

trading:
  quote_currency: "USDT"
  notional_per_entry_usd: 1000
  max_open_positions: 3
  entry_funding_rate_threshold: 0.0003
  exit_funding_rate_threshold: 0.00005
  funding_debounce_count: 3
  min_volume_24h: 10000000
  entry_spread_threshold: 0.002
  exit_spread_threshold: -0.01

risk:
  margin_usage_high: 0.80
  margin_usage_target: 0.50
  max_consecutive_losses: 3

timing:
  scanner_interval_seconds: 60
  guardian_interval_seconds: 10
  supervisor_interval_seconds: 5
  gateway_backoff_base_ms: 1000
  gateway_backoff_factor: 2.0
  gateway_backoff_cap_ms: 60000
  gateway_backoff_jitter_pct: 0.2
  gateway_max_retries: 5
  entry_join_timeout_seconds: 10
  ambiguous_poll_interval_ms: 500
  ambiguous_single_leg_max_seconds: 5
  ambiguous_double_leg_max_seconds: 30
  exit_retry_max_attempts: 3
  kill_switch_drain_timeout_seconds: 60

concurrency:
  scanner_pool_size: 10
  scanner_pool_buffer: 100

database:
  positions_db_path: "fundingarb-test.db"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_EXCHANGE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_EXCHANGE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_EXCHANGE_API_KEY")
	defer os.Unsetenv("TEST_EXCHANGE_SECRET_KEY")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("test_api_key_from_env"), config.Exchange.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), config.Exchange.SecretKey)
	assert.Equal(t, 3, config.Trading.MaxOpenPositions)
	assert.Equal(t, "fundingarb-test.db", config.Database.PositionsDBPath)
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"api key is critical", "EXCHANGE_API_KEY", true},
		{"secret is critical", "EXCHANGE_SECRET_KEY", true},
		{"passphrase is critical", "EXCHANGE_PASSPHRASE", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = Secret("my_super_secret_api_key")
	cfg.Exchange.SecretKey = Secret("my_super_secret_secret_key")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain the redaction marker")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain the full API key")
	assert.NotContains(t, output, "my_super_secret_secret_key", "output should NOT contain the full secret key")
}

func TestValidate_RejectsUnknownExchange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.Name = "unknown"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.name")
}

func TestValidate_RejectsMissingPositionsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.PositionsDBPath = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positions_db_path")
}
