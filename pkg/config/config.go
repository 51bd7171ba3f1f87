// Package config loads engine settings from the environment plus an
// optional per-profile YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Profiles select a YAML overlay file (config.<profile>.yaml).
const (
	ProfileDevelopment = "development"
	ProfileStaging     = "staging"
	ProfileProduction  = "production"
)

// ExchangeKeys is one venue's process-level API credentials, used for bots
// without a stored per-user credential.
type ExchangeKeys struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// RiskDefaults seeds per-user limits until the user configures their own.
type RiskDefaults struct {
	MaxDrawdownPercent     float64 `yaml:"max_drawdown_percent"`
	MaxPositionSizePercent float64 `yaml:"max_position_size_percent"`
	DailyLossLimitPercent  float64 `yaml:"daily_loss_limit_percent"`
	MaxLeverage            int     `yaml:"max_leverage"`
	MaxOpenPositions       int     `yaml:"max_open_positions"`
}

// Config holds all engine settings.
type Config struct {
	Profile  string `yaml:"profile"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DBPath string `yaml:"db_path"`

	// NATSUrl switches the event bus to broker-backed delivery when set;
	// empty means in-process fan-out.
	NATSUrl string `yaml:"nats_url"`

	// EncryptionKey protects stored API credentials. Must be at least 32
	// bytes outside development.
	EncryptionKey string `yaml:"encryption_key"`

	Binance ExchangeKeys `yaml:"binance"`
	Bybit   ExchangeKeys `yaml:"bybit"`

	Symbols []string `yaml:"symbols"`

	WorkerCount       int           `yaml:"worker_count"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	DrainGrace        time.Duration `yaml:"drain_grace"`

	Risk RiskDefaults `yaml:"risk"`
}

// Load reads environment variables (optionally via .env), then applies the
// profile's YAML overlay if one exists, and validates the result.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Profile:           getEnv("XOR_PROFILE", ProfileDevelopment),
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DBPath:            getEnv("DB_PATH", "./data/xor.db"),
		NATSUrl:           os.Getenv("NATS_URL"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		WorkerCount:       getEnvInt("WORKER_COUNT", 8),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 10*time.Second),
		DrainGrace:        getEnvDuration("DRAIN_GRACE", 5*time.Second),
		Binance: ExchangeKeys{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_API_SECRET"),
			Testnet:   getEnv("BINANCE_TESTNET", "false") == "true",
		},
		Bybit: ExchangeKeys{
			APIKey:    os.Getenv("BYBIT_API_KEY"),
			APISecret: os.Getenv("BYBIT_API_SECRET"),
			Testnet:   getEnv("BYBIT_TESTNET", "false") == "true",
		},
		Risk: RiskDefaults{
			MaxDrawdownPercent:     getEnvFloat("RISK_MAX_DRAWDOWN_PCT", 10),
			MaxPositionSizePercent: getEnvFloat("RISK_MAX_POSITION_SIZE_PCT", 5),
			DailyLossLimitPercent:  getEnvFloat("RISK_DAILY_LOSS_PCT", 3),
			MaxLeverage:            getEnvInt("RISK_MAX_LEVERAGE", 10),
			MaxOpenPositions:       getEnvInt("RISK_MAX_OPEN_POSITIONS", 10),
		},
	}

	if err := cfg.applyOverlay(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverlay merges config.<profile>.yaml on top of the env settings.
// A missing overlay file is not an error.
func (c *Config) applyOverlay() error {
	path := getEnv("CONFIG_FILE", fmt.Sprintf("config.%s.yaml", c.Profile))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings that cannot run.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileDevelopment, ProfileStaging, ProfileProduction:
	default:
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	if c.Profile != ProfileDevelopment && len(c.EncryptionKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 bytes in %s", c.Profile)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
