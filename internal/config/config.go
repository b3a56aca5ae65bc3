// Package config defines the top-level configuration for the futures exit
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/futuresbot/internal/exitpolicy"
	"github.com/alanyoungcy/futuresbot/internal/ladder"
)

// Config is the root configuration structure. Fields are populated from a
// TOML or YAML file and then optionally overridden by FUTBOT_* environment
// variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange" yaml:"exchange"`
	Ladder    LadderConfig    `toml:"ladder" yaml:"ladder"`
	Exit      ExitConfig      `toml:"exit" yaml:"exit"`
	Execution ExecutionConfig `toml:"execution" yaml:"execution"`
	Engine    EngineConfig    `toml:"engine" yaml:"engine"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	S3        S3Config        `toml:"s3" yaml:"s3"`
	Archive   ArchiveConfig   `toml:"archive" yaml:"archive"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Backtest  BacktestConfig  `toml:"backtest" yaml:"backtest"`
	Mode      string          `toml:"mode" yaml:"mode"`
	LogLevel  string          `toml:"log_level" yaml:"log_level"`
}

// ExchangeConfig holds Binance USDT-M futures endpoints and credentials.
// The API secret comes either in plain text or sealed on disk with
// crypto.EncryptSecret.
type ExchangeConfig struct {
	BaseURL             string   `toml:"base_url" yaml:"base_url"`
	StreamURL           string   `toml:"stream_url" yaml:"stream_url"`
	APIKey              string   `toml:"api_key" yaml:"api_key"`
	APISecret           string   `toml:"api_secret" yaml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path" yaml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password" yaml:"secret_password"`
	RecvWindow          duration `toml:"recv_window" yaml:"recv_window"`
	Timeout             duration `toml:"timeout" yaml:"timeout"`
}

// LadderConfig configures the scaled take-profit ladder.
type LadderConfig struct {
	Enabled          bool           `toml:"enabled" yaml:"enabled"`
	Levels           []ladder.Level `toml:"levels" yaml:"levels"`
	MinOrderSize     float64        `toml:"min_order_size" yaml:"min_order_size"`
	FallbackToSingle bool           `toml:"fallback_to_single" yaml:"fallback_to_single"`
	SingleTakeProfit float64        `toml:"single_take_profit" yaml:"single_take_profit"`
}

// Controller returns the ladder.Config for this section.
func (l LadderConfig) Controller() ladder.Config {
	levels := make([]ladder.Level, len(l.Levels))
	copy(levels, l.Levels)
	return ladder.Config{
		Levels:           levels,
		MinOrderSize:     l.MinOrderSize,
		FallbackToSingle: l.FallbackToSingle,
		SingleTakeProfit: l.SingleTakeProfit,
	}
}

// ExitConfig holds the ATR exit policy. Multipliers are in ATR units;
// fractions are of the original position size.
type ExitConfig struct {
	Partial1ATR       float64  `toml:"partial_1_atr" yaml:"partial_1_atr"`
	Partial2ATR       float64  `toml:"partial_2_atr" yaml:"partial_2_atr"`
	FinalATR          float64  `toml:"final_atr" yaml:"final_atr"`
	Partial1Fraction  float64  `toml:"partial_1_fraction" yaml:"partial_1_fraction"`
	Partial2Fraction  float64  `toml:"partial_2_fraction" yaml:"partial_2_fraction"`
	BreakevenATR      float64  `toml:"breakeven_atr" yaml:"breakeven_atr"`
	TightATR          float64  `toml:"tight_atr" yaml:"tight_atr"`
	MaxHold           duration `toml:"max_hold" yaml:"max_hold"`
	RegimeExitEnabled bool     `toml:"regime_exit_enabled" yaml:"regime_exit_enabled"`
}

// Policy returns the exitpolicy.Config for this section.
func (e ExitConfig) Policy() exitpolicy.Config {
	return exitpolicy.Config{
		Partial1ATR:       e.Partial1ATR,
		Partial2ATR:       e.Partial2ATR,
		FinalATR:          e.FinalATR,
		Partial1Fraction:  e.Partial1Fraction,
		Partial2Fraction:  e.Partial2Fraction,
		BreakevenATR:      e.BreakevenATR,
		TightATR:          e.TightATR,
		MaxHold:           e.MaxHold.Duration,
		RegimeExitEnabled: e.RegimeExitEnabled,
	}
}

// ExecutionConfig tunes the close executor.
type ExecutionConfig struct {
	RetryAttempts int      `toml:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    duration `toml:"retry_delay" yaml:"retry_delay"`
	// RateLimit caps gateway calls per RateWindow across instances.
	RateLimit  int      `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow duration `toml:"rate_window" yaml:"rate_window"`
	DedupTTL   duration `toml:"dedup_ttl" yaml:"dedup_ttl"`
}

// EngineConfig tunes the decision loop.
type EngineConfig struct {
	Symbols      []string `toml:"symbols" yaml:"symbols"`
	TickInterval duration `toml:"tick_interval" yaml:"tick_interval"`
	Workers      int      `toml:"workers" yaml:"workers"`
	LockTTL      duration `toml:"lock_ttl" yaml:"lock_ttl"`
	MaxPriceAge  duration `toml:"max_price_age" yaml:"max_price_age"`
	PriceTTL     duration `toml:"price_ttl" yaml:"price_ttl"`
	// TriggerOnPrice evaluates a symbol as soon as a new mark price
	// arrives, spaced at least TriggerMinGap apart.
	TriggerOnPrice bool     `toml:"trigger_on_price" yaml:"trigger_on_price"`
	TriggerMinGap  duration `toml:"trigger_min_gap" yaml:"trigger_min_gap"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn" yaml:"dsn"`
	Host             string   `toml:"host" yaml:"host"`
	Port             int      `toml:"port" yaml:"port"`
	Database         string   `toml:"database" yaml:"database"`
	User             string   `toml:"user" yaml:"user"`
	Password         string   `toml:"password" yaml:"password"`
	SSLMode          string   `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns" yaml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout" yaml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations" yaml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	Namespace  string `toml:"namespace" yaml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
}

// ArchiveConfig schedules moving closed positions to object storage.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days"`
	Cron          string `toml:"cron" yaml:"cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Port        int      `toml:"port" yaml:"port"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	APIKey      string   `toml:"api_key" yaml:"api_key"`
	RateLimit   int      `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow  duration `toml:"rate_window" yaml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// BacktestConfig describes a replay run. Source is a local path or an
// s3:// key; ReportPath, when set, receives the JSON report, and
// UploadReport also stores it in object storage.
type BacktestConfig struct {
	Source       string  `toml:"source" yaml:"source"`
	Symbol       string  `toml:"symbol" yaml:"symbol"`
	Side         string  `toml:"side" yaml:"side"`
	Quantity     float64 `toml:"quantity" yaml:"quantity"`
	StopFraction float64 `toml:"stop_fraction" yaml:"stop_fraction"`
	Reenter      bool    `toml:"reenter" yaml:"reenter"`
	ReportPath   string  `toml:"report_path" yaml:"report_path"`
	UploadReport bool    `toml:"upload_report" yaml:"upload_report"`
}

// duration wraps time.Duration so config files can use strings like "5m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string such as \"30s\"", n.Line)
	}
	return d.UnmarshalText([]byte(n.Value))
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	exit := exitpolicy.DefaultConfig()
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:    "https://fapi.binance.com",
			StreamURL:  "wss://fstream.binance.com",
			RecvWindow: duration{5 * time.Second},
			Timeout:    duration{15 * time.Second},
		},
		Ladder: LadderConfig{
			Enabled:          true,
			Levels:           ladder.DefaultLevels(),
			MinOrderSize:     0.001,
			FallbackToSingle: true,
		},
		Exit: ExitConfig{
			Partial1ATR:       exit.Partial1ATR,
			Partial2ATR:       exit.Partial2ATR,
			FinalATR:          exit.FinalATR,
			Partial1Fraction:  exit.Partial1Fraction,
			Partial2Fraction:  exit.Partial2Fraction,
			BreakevenATR:      exit.BreakevenATR,
			TightATR:          exit.TightATR,
			MaxHold:           duration{exit.MaxHold},
			RegimeExitEnabled: exit.RegimeExitEnabled,
		},
		Execution: ExecutionConfig{
			RetryAttempts: 2,
			RetryDelay:    duration{500 * time.Millisecond},
			RateLimit:     20,
			RateWindow:    duration{time.Second},
			DedupTTL:      duration{time.Minute},
		},
		Engine: EngineConfig{
			Symbols:       []string{"BTCUSDT"},
			TickInterval:  duration{time.Second},
			Workers:       4,
			LockTTL:       duration{30 * time.Second},
			MaxPriceAge:   duration{10 * time.Second},
			PriceTTL:      duration{5 * time.Minute},
			TriggerMinGap: duration{250 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "futuresbot",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{10 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "futbot",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "futuresbot-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"partial_close", "position_closed", "partial_close_failed", "ladder_fallback"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "futuresbot",
		},
		Backtest: BacktestConfig{
			Side:         "LONG",
			Quantity:     1,
			StopFraction: 0.02,
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":    true,
	"monitor":  true,
	"backtest": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, backtest)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if err := c.Ladder.Controller().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Exit.Policy().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Execution.RetryAttempts != 2 {
		errs = append(errs, fmt.Sprintf("execution: retry_attempts must be 2 (one retry), got %d", c.Execution.RetryAttempts))
	}
	if c.Execution.RetryDelay.Duration < 0 {
		errs = append(errs, "execution: retry_delay must be >= 0")
	}

	live := mode == "trade" || mode == "monitor"
	if live {
		if len(c.Engine.Symbols) == 0 {
			errs = append(errs, "engine: symbols must not be empty for mode "+mode)
		}
		if c.Engine.TickInterval.Duration <= 0 {
			errs = append(errs, "engine: tick_interval must be > 0")
		}
		if c.Engine.Workers < 1 {
			errs = append(errs, "engine: workers must be >= 1")
		}

		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}

		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if mode == "trade" {
		if c.Exchange.APIKey == "" {
			errs = append(errs, "exchange: api_key is required for mode trade")
		}
		if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: api_secret or encrypted_secret_path is required for mode trade")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}

	if mode == "backtest" {
		if c.Backtest.Source == "" {
			errs = append(errs, "backtest: source must not be empty")
		}
		if c.Backtest.Symbol == "" {
			errs = append(errs, "backtest: symbol must not be empty")
		}
		if side := strings.ToUpper(c.Backtest.Side); side != "LONG" && side != "SHORT" {
			errs = append(errs, fmt.Sprintf("backtest: side must be LONG or SHORT, got %q", c.Backtest.Side))
		}
		if c.Backtest.Quantity <= 0 {
			errs = append(errs, "backtest: quantity must be > 0")
		}
		if strings.HasPrefix(c.Backtest.Source, "s3://") && !c.S3.Enabled {
			errs = append(errs, "backtest: s3:// source requires s3.enabled")
		}
		if c.Backtest.UploadReport && !c.S3.Enabled {
			errs = append(errs, "backtest: upload_report requires s3.enabled")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Warnings returns advisories that do not prevent startup. They are logged
// once when the process starts.
func (c *Config) Warnings() []string {
	out := c.Ladder.Controller().Warnings()
	if c.Ladder.Enabled && c.Ladder.MinOrderSize > 0 && !c.Ladder.FallbackToSingle {
		out = append(out, "ladder.fallback_to_single is off; positions too small for level 1 only exit on stop, time or regime")
	}
	if strings.EqualFold(c.Mode, "trade") && !c.Server.Enabled {
		out = append(out, "server is disabled; positions can only be registered through the store")
	}
	if c.Server.Enabled && c.Server.APIKey == "" {
		out = append(out, "server.api_key is empty; the HTTP API is unauthenticated")
	}
	return out
}
