package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"huobi_go/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
huobi:
  verbose: true
  symbols: [btcusdt, ethusdt]
  kline_period: 5min
logging:
  level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "api.huobipro.com", cfg.Huobi.Host)
	assert.True(t, cfg.Huobi.Reconnect, "reconnect defaults to true")
	assert.True(t, cfg.Huobi.Verbose)
	assert.Equal(t, "5min", cfg.Huobi.KlinePeriod)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout())
	assert.Equal(t, []string{"btcusdt", "ethusdt"}, cfg.Huobi.Symbols)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("HUOBI_HOST", "api.example.test")
	t.Setenv("HUOBI_DB_PATH", "/tmp/candles.db")

	cfg, err := LoadConfig(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "api.example.test", cfg.Huobi.Host)
	assert.Equal(t, "/tmp/candles.db", cfg.Storage.Path)
	assert.Equal(t, "https://api.example.test", cfg.RestBaseURL())
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty host", func(c *Config) { c.Huobi.Host = " " }, "huobi.host"},
		{"bad path", func(c *Config) { c.Huobi.WSPath = "ws" }, "huobi.ws_path"},
		{"bad rest url", func(c *Config) { c.Huobi.RestURL = "ftp://x" }, "huobi.rest_url"},
		{"zero timeout", func(c *Config) { c.Huobi.TimeoutMS = 0 }, "huobi.timeout_ms"},
		{"zero write timeout", func(c *Config) { c.Huobi.WriteTimeoutMS = 0 }, "huobi.write_timeout_ms"},
		{"zero heartbeat", func(c *Config) { c.Huobi.HeartbeatIntervalSec = 0 }, "huobi.heartbeat_interval_sec"},
		{"duplicate symbols", func(c *Config) { c.Huobi.Symbols = []string{"btcusdt", "BTCUSDT"} }, "huobi.symbols"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *domain.ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Hadax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Huobi.Hadax = true
	assert.Equal(t, "api.hadax.com", cfg.ServerHost())
	assert.Equal(t, "https://api.hadax.com", cfg.RestBaseURL())
}
