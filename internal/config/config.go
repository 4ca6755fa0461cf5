// Package config provides configuration management for the trailing-stop engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"trailstop/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Terminal      TerminalConfig     `mapstructure:"terminal"`
	Connection    ConnectionConfig   `mapstructure:"connection"`
	Trailing      TrailingConfig     `mapstructure:"trailing"`
	Storage       StorageConfig      `mapstructure:"storage"`
	API           APIConfig          `mapstructure:"api"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

// TerminalConfig holds brokerage terminal connection settings.
type TerminalConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"` // 7497 paper, 7496 live
	ClientID       int           `mapstructure:"client_id"`
	BridgeURL      string        `mapstructure:"bridge_url"`
	Mode           string        `mapstructure:"mode"` // "live", "paper"
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ConnectionConfig holds heartbeat and reconnection settings.
type ConnectionConfig struct {
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	PortfolioInterval     time.Duration `mapstructure:"portfolio_interval"`
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	ReconnectFactor       float64       `mapstructure:"reconnect_factor"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxAttempts  int           `mapstructure:"reconnect_max_attempts"` // 0 = unlimited
	ExecutionLookback     time.Duration `mapstructure:"execution_lookback"`
}

// TrailingConfig holds trailing-stop defaults and driver cadence.
type TrailingConfig struct {
	UpdateInterval      time.Duration `mapstructure:"update_interval"`
	DefaultTrailPercent float64       `mapstructure:"default_trail_percent"`
	DefaultStopType     string        `mapstructure:"default_stop_type"`
	DefaultLimitOffset  float64       `mapstructure:"default_limit_offset"`
	DefaultTriggerPrice string        `mapstructure:"default_trigger_price"`
	DefaultTimeExit     string        `mapstructure:"default_time_exit"`
	DefaultTick         float64       `mapstructure:"default_tick"`
	ComboFallbackTick   float64       `mapstructure:"combo_fallback_tick"`
	HistorySize         int           `mapstructure:"history_size"`
}

// StorageConfig holds file locations.
type StorageConfig struct {
	GroupsFile string `mapstructure:"groups_file"`
	JournalDB  string `mapstructure:"journal_db"`
}

// APIConfig holds the control API settings.
type APIConfig struct {
	Listen   string `mapstructure:"listen"`
	ReadOnly bool   `mapstructure:"read_only"` // refuse every mutating request
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, triggers_only, errors_only
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/trailstop"
	}
	return filepath.Join(home, ".config", "trailstop")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, createTemplateConfig(configDir)
		}
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration with every default applied and no file
// read. Used by paper mode and tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("terminal.host", "127.0.0.1")
	v.SetDefault("terminal.port", 7497)
	v.SetDefault("terminal.client_id", 1)
	v.SetDefault("terminal.bridge_url", "ws://127.0.0.1:7499/v1/session")
	v.SetDefault("terminal.mode", "paper")
	v.SetDefault("terminal.request_timeout", 10*time.Second)

	v.SetDefault("connection.heartbeat_interval", 10*time.Second)
	v.SetDefault("connection.portfolio_interval", 500*time.Millisecond)
	v.SetDefault("connection.reconnect_initial_delay", 5*time.Second)
	v.SetDefault("connection.reconnect_factor", 2.0)
	v.SetDefault("connection.reconnect_max_delay", 60*time.Second)
	v.SetDefault("connection.reconnect_max_attempts", 0)
	v.SetDefault("connection.execution_lookback", 7*24*time.Hour)

	v.SetDefault("trailing.update_interval", 500*time.Millisecond)
	v.SetDefault("trailing.default_trail_percent", 15.0)
	v.SetDefault("trailing.default_stop_type", "market")
	v.SetDefault("trailing.default_limit_offset", 0.10)
	v.SetDefault("trailing.default_trigger_price", "mark")
	v.SetDefault("trailing.default_time_exit", "15:55")
	v.SetDefault("trailing.default_tick", 0.01)
	v.SetDefault("trailing.combo_fallback_tick", 0.05)
	v.SetDefault("trailing.history_size", 120)

	v.SetDefault("storage.groups_file", filepath.Join(configDir, "groups.json"))
	v.SetDefault("storage.journal_db", filepath.Join(configDir, "journal.db"))

	v.SetDefault("api.listen", "127.0.0.1:8089")
	v.SetDefault("api.read_only", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRAILSTOP_HOST"); v != "" {
		cfg.Terminal.Host = v
	}
	if v := os.Getenv("TRAILSTOP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Terminal.Port = port
		}
	}
	if v := os.Getenv("TRAILSTOP_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Terminal.ClientID = id
		}
	}
	if v := os.Getenv("TRAILSTOP_MODE"); v != "" {
		cfg.Terminal.Mode = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notifications.Telegram.ChatID = id
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Terminal.Port <= 0 || c.Terminal.Port > 65535 {
		return fmt.Errorf("invalid terminal port: %d", c.Terminal.Port)
	}
	if c.Terminal.Mode != "live" && c.Terminal.Mode != "paper" {
		return fmt.Errorf("invalid terminal mode: %s (must be 'live' or 'paper')", c.Terminal.Mode)
	}
	if c.Terminal.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}

	conn := c.Connection
	if conn.HeartbeatInterval <= 0 || conn.PortfolioInterval <= 0 {
		return fmt.Errorf("heartbeat_interval and portfolio_interval must be positive")
	}
	if conn.ReconnectInitialDelay <= 0 {
		return fmt.Errorf("reconnect_initial_delay must be positive")
	}
	if conn.ReconnectFactor < 1 {
		return fmt.Errorf("reconnect_factor must be >= 1")
	}
	if conn.ReconnectMaxDelay < conn.ReconnectInitialDelay {
		return fmt.Errorf("reconnect_max_delay must be >= reconnect_initial_delay")
	}
	if conn.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect_max_attempts must be non-negative")
	}

	tr := c.Trailing
	if tr.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive")
	}
	if tr.DefaultTrailPercent <= 0 || tr.DefaultTrailPercent >= 100 {
		return fmt.Errorf("default_trail_percent must be between 0 and 100")
	}
	if _, err := models.ParseStopType(tr.DefaultStopType); err != nil {
		return err
	}
	if _, err := models.ParseTriggerPriceType(tr.DefaultTriggerPrice); err != nil {
		return err
	}
	if _, err := time.Parse("15:04", tr.DefaultTimeExit); err != nil {
		return fmt.Errorf("default_time_exit must be HH:MM: %w", err)
	}
	if tr.DefaultTick <= 0 || tr.ComboFallbackTick <= 0 {
		return fmt.Errorf("default_tick and combo_fallback_tick must be positive")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Terminal.Mode == "paper"
}

// DefaultTrail returns a trail configuration built from the defaults.
func (c *Config) DefaultTrail() models.TrailConfig {
	stopType, _ := models.ParseStopType(c.Trailing.DefaultStopType)
	trigger, _ := models.ParseTriggerPriceType(c.Trailing.DefaultTriggerPrice)
	return models.TrailConfig{
		Enabled:          true,
		Mode:             models.TrailPercent,
		Value:            c.Trailing.DefaultTrailPercent,
		TriggerPriceType: trigger,
		StopType:         stopType,
		LimitOffset:      c.Trailing.DefaultLimitOffset,
		TimeExitTime:     c.Trailing.DefaultTimeExit,
	}
}
