package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.5, cfg.Detector.MinProfitPct)
	assert.Equal(t, 60*time.Second, cfg.Detector.OpportunityTTL)
	assert.Equal(t, 5*time.Second, cfg.Detector.SweepInterval)
	assert.Equal(t, 90*time.Second, cfg.Executor.ExecutionTimeout)
	assert.Equal(t, 30*time.Second, cfg.Executor.FillWait)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.GCP.UseSecrets)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
pairs:
  - BTC/USDT
  - ETH/USDT
exchanges:
  - code: ramzinex
    name: Ramzinex
    api_url: https://api.example.com
    ws_url: wss://ws.example.com/websocket
    rate_limit: 120
    maker_fee: 0.002
    taker_fee: 0.0025
detector:
  min_profit_pct: 1.5
executor:
  sequential: true
`), 0o600))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Pairs)
	require.Len(t, cfg.Exchanges, 1)
	assert.Equal(t, "ramzinex", cfg.Exchanges[0].Code)
	assert.Equal(t, 120, cfg.Exchanges[0].RateLimit)
	assert.Equal(t, 0.0025, cfg.Exchanges[0].TakerFee)
	assert.Equal(t, 1.5, cfg.Detector.MinProfitPct)
	assert.True(t, cfg.Executor.Sequential)
	// Untouched sections keep their defaults.
	assert.Equal(t, 90*time.Second, cfg.Executor.ExecutionTimeout)
}

func TestEnvOverridesCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
exchanges:
  - code: ramzinex
    api_key: from-file
`), 0o600))

	t.Setenv("ARBITER_RAMZINEX_API_KEY", "from-env")
	t.Setenv("ARBITER_RAMZINEX_API_SECRET", "secret-from-env")

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	require.Len(t, cfg.Exchanges, 1)
	assert.Equal(t, "from-env", cfg.Exchanges[0].APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchanges[0].APISecret)
}
