package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const appName = "torident"

// Config represents the complete application configuration.
type Config struct {
	Tor        TorConfig        `mapstructure:"tor"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Changelog  ChangelogConfig  `mapstructure:"changelog"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Log        LogConfig        `mapstructure:"log"`
}

// TorConfig describes the local Tor endpoints.
type TorConfig struct {
	SocksProxy      string `mapstructure:"socks_proxy"`      // data-carrying SOCKS endpoint
	ControlPort     int    `mapstructure:"control_port"`     // control channel port
	ControlPassword string `mapstructure:"control_password"` // empty means cookie/null auth
}

// RotationConfig bounds the identity rotation retry loop. It is
// immutable per rotation run; the orchestrator receives it by value.
type RotationConfig struct {
	WaitSeconds int `mapstructure:"wait_seconds"` // pause between NEWNYM and re-check
	Retries     int `mapstructure:"retries"`      // extra attempts after the first
}

// Wait returns the configured inter-attempt pause as a duration.
func (c RotationConfig) Wait() time.Duration {
	return time.Duration(c.WaitSeconds) * time.Second
}

// ResolverConfig lists the address-echo and geolocation services.
type ResolverConfig struct {
	RealIPURL string   `mapstructure:"real_ip_url"` // direct "what is my IP" endpoint
	EchoURLs  []string `mapstructure:"echo_urls"`   // candidates queried through the proxy, in order
	GeoAPIURL string   `mapstructure:"geo_api_url"` // geolocation service base URL
}

// ChangelogConfig controls rotation-outcome persistence.
type ChangelogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// TelegramConfig represents the telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	BotToken string   `mapstructure:"bot_token"`
	ChatIDs  []string `mapstructure:"chat_ids"`
}

// Configured reports whether telegram notifications can actually be sent.
func (c TelegramConfig) Configured() bool {
	return c.Enabled && c.BotToken != "" && len(c.ChatIDs) > 0
}

// ReputationConfig represents the reputation checker configuration.
type ReputationConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	APIKey          string `mapstructure:"api_key"`
	BlockSuspicious bool   `mapstructure:"block_suspicious"`
}

// LogConfig represents application logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from the given YAML file. An empty path
// yields the defaults without touching the filesystem.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(&config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Tor.SocksProxy == "" {
		c.Tor.SocksProxy = "socks5://127.0.0.1:9050"
	}
	if c.Tor.ControlPort == 0 {
		c.Tor.ControlPort = 9051
	}

	if c.Rotation.WaitSeconds == 0 {
		c.Rotation.WaitSeconds = 8
	}

	if c.Resolver.RealIPURL == "" {
		c.Resolver.RealIPURL = "https://api.ipify.org?format=json"
	}
	if len(c.Resolver.EchoURLs) == 0 {
		c.Resolver.EchoURLs = []string{
			"https://check.torproject.org/api/ip",
			"https://httpbin.org/ip",
			"https://api.ipify.org?format=json",
		}
	}
	if c.Resolver.GeoAPIURL == "" {
		c.Resolver.GeoAPIURL = "https://ipapi.co"
	}

	if c.Changelog.File == "" {
		c.Changelog.File = filepath.Join(xdg.DataHome, appName, "identity_history.log")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 100 // 100MB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 28 // 28 days
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Tor.ControlPort <= 0 || c.Tor.ControlPort > 65535 {
		return fmt.Errorf("invalid control port: %d", c.Tor.ControlPort)
	}

	if c.Rotation.WaitSeconds < 1 {
		return fmt.Errorf("wait_seconds must be at least 1")
	}
	if c.Rotation.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}

	if c.Changelog.Enabled && c.Changelog.File == "" {
		return fmt.Errorf("changelog file cannot be empty when changelog is enabled")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot token cannot be empty")
		}
		if len(c.Telegram.ChatIDs) == 0 {
			return fmt.Errorf("telegram chat IDs list cannot be empty")
		}
		for _, chatID := range c.Telegram.ChatIDs {
			if chatID == "" {
				return fmt.Errorf("telegram chat ID cannot be empty")
			}
		}
	}

	if c.Reputation.Enabled && c.Reputation.APIKey == "" {
		return fmt.Errorf("reputation API key cannot be empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}
