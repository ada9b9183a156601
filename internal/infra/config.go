package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"huobi_go/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Config holds every application setting.
// Values loaded by LoadConfig can be overridden through environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Huobi struct {
		Host                 string   `yaml:"host"`
		Hadax                bool     `yaml:"hadax"`
		WSPath               string   `yaml:"ws_path"`
		RestURL              string   `yaml:"rest_url"`
		TimeoutMS            int      `yaml:"timeout_ms"`
		WriteTimeoutMS       int      `yaml:"write_timeout_ms"`
		Reconnect            bool     `yaml:"reconnect"`
		Verbose              bool     `yaml:"verbose"`
		HeartbeatIntervalSec int      `yaml:"heartbeat_interval_sec"`
		RateLimitPerSec      float64  `yaml:"rate_limit_per_sec"`
		Symbols              []string `yaml:"symbols"`
		KlinePeriod          string   `yaml:"kline_period"`
		DepthType            string   `yaml:"depth_type"`
		BackfillSize         int      `yaml:"backfill_size"`
	} `yaml:"huobi"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns the settings used when a key is absent from the file
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "huobi-go"
	cfg.Huobi.Host = "api.huobipro.com"
	cfg.Huobi.WSPath = "/ws"
	cfg.Huobi.TimeoutMS = 30000
	cfg.Huobi.WriteTimeoutMS = 10000
	cfg.Huobi.Reconnect = true
	cfg.Huobi.HeartbeatIntervalSec = 30
	cfg.Huobi.RateLimitPerSec = 10
	cfg.Huobi.KlinePeriod = "1min"
	cfg.Huobi.DepthType = "step0"
	cfg.Huobi.BackfillSize = 150
	cfg.Logging.Level = "info"
	cfg.Logging.File = "logs/app.log"
	return &cfg
}

// LoadConfig reads and parses the YAML file at path on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Huobi.Host) == "" {
		return &domain.ConfigError{Field: "huobi.host", Err: errors.New("host is required")}
	}
	if !strings.HasPrefix(c.Huobi.WSPath, "/") {
		return &domain.ConfigError{Field: "huobi.ws_path", Err: fmt.Errorf("path must start with '/': %q", c.Huobi.WSPath)}
	}
	if c.Huobi.RestURL != "" && !strings.HasPrefix(c.Huobi.RestURL, "http://") && !strings.HasPrefix(c.Huobi.RestURL, "https://") {
		return &domain.ConfigError{Field: "huobi.rest_url", Err: fmt.Errorf("invalid REST URL: %s", c.Huobi.RestURL)}
	}
	if c.Huobi.TimeoutMS <= 0 {
		return &domain.ConfigError{Field: "huobi.timeout_ms", Err: errors.New("timeout must be positive")}
	}
	if c.Huobi.WriteTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "huobi.write_timeout_ms", Err: errors.New("write timeout must be positive")}
	}
	if c.Huobi.HeartbeatIntervalSec <= 0 {
		return &domain.ConfigError{Field: "huobi.heartbeat_interval_sec", Err: errors.New("heartbeat interval must be positive")}
	}
	seen := make(map[string]bool, len(c.Huobi.Symbols))
	for _, s := range c.Huobi.Symbols {
		s = strings.ToLower(s)
		if s == "" {
			return &domain.ConfigError{Field: "huobi.symbols", Err: domain.ErrEmptySymbol}
		}
		if seen[s] {
			return &domain.ConfigError{Field: "huobi.symbols", Err: fmt.Errorf("%w: %s", domain.ErrDuplicateStreams, s)}
		}
		seen[s] = true
	}
	return nil
}

// ServerHost returns the API host, honoring the hadax switch
func (c *Config) ServerHost() string {
	if c.Huobi.Hadax {
		return "api.hadax.com"
	}
	return c.Huobi.Host
}

// RestBaseURL returns the REST base URL, derived from the host when not set explicitly
func (c *Config) RestBaseURL() string {
	if c.Huobi.RestURL != "" {
		return strings.TrimRight(c.Huobi.RestURL, "/")
	}
	return "https://" + c.ServerHost()
}

// RequestTimeout returns the REST request timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Huobi.TimeoutMS) * time.Millisecond
}

// WriteTimeout returns the deadline for a single WebSocket write
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Huobi.WriteTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns the shared heartbeat tick
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Huobi.HeartbeatIntervalSec) * time.Second
}

// overrideWithEnv replaces values with environment variables when present.
func overrideWithEnv(cfg *Config) {
	if host := os.Getenv("HUOBI_HOST"); host != "" {
		cfg.Huobi.Host = host
	}
	if rest := os.Getenv("HUOBI_REST_URL"); rest != "" {
		cfg.Huobi.RestURL = rest
	}
	if level := os.Getenv("HUOBI_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if path := os.Getenv("HUOBI_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}
