// Package config loads miauth settings from YAML with environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the miauth configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Xiaomi    XiaomiConfig    `yaml:"xiaomi"`
	HTTP      HTTPConfig      `yaml:"http"`
	TwoFactor TwoFactorConfig `yaml:"two_factor"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
	Tickets   TicketsConfig   `yaml:"tickets"`
}

// ServerConfig holds the local control API settings
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"` // Bearer key required by the API when set
}

// XiaomiConfig holds the remote account service endpoints
type XiaomiConfig struct {
	AccountURL string `yaml:"account_url"`
	STSURL     string `yaml:"sts_url"`
	SID        string `yaml:"sid"`
	SDKVersion string `yaml:"sdk_version"`
}

// HTTPConfig holds outbound HTTP settings
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// TwoFactorConfig bounds the wait on a human challenge
type TwoFactorConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig selects the identity store
type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory, sqlite or redis
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

// EventsConfig selects the login event publisher
type EventsConfig struct {
	Driver   string `yaml:"driver"` // none, gochannel or redisstream
	Topic    string `yaml:"topic"`
	RedisURL string `yaml:"redis_url"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// TicketsConfig holds two-factor ticket settings
type TicketsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Xiaomi: XiaomiConfig{
			AccountURL: "https://account.xiaomi.com",
			STSURL:     "https://sts.api.io.mi.com",
			SID:        "xiaomiio",
			SDKVersion: "4.2.31",
		},
		HTTP: HTTPConfig{
			Timeout: 15 * time.Second,
		},
		TwoFactor: TwoFactorConfig{
			Timeout: 2 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "miauth.db",
		},
		Events: EventsConfig{
			Driver: "none",
			Topic:  "miauth.login",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Tickets: TicketsConfig{
			TTL: 2 * time.Minute,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv loads .env if present and applies MIAUTH_* overrides
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load()

	setString(&c.Server.Addr, "MIAUTH_SERVER_ADDR")
	setString(&c.Server.APIKey, "MIAUTH_API_KEY")
	setString(&c.Xiaomi.AccountURL, "MIAUTH_ACCOUNT_URL")
	setString(&c.Xiaomi.STSURL, "MIAUTH_STS_URL")
	setString(&c.Xiaomi.SID, "MIAUTH_SID")
	setString(&c.Xiaomi.SDKVersion, "MIAUTH_SDK_VERSION")
	setString(&c.Store.Driver, "MIAUTH_STORE_DRIVER")
	setString(&c.Store.Path, "MIAUTH_STORE_PATH")
	setString(&c.Store.RedisURL, "MIAUTH_REDIS_URL")
	setString(&c.Events.Driver, "MIAUTH_EVENTS_DRIVER")
	setString(&c.Events.Topic, "MIAUTH_EVENTS_TOPIC")
	setString(&c.Events.RedisURL, "MIAUTH_EVENTS_REDIS_URL")
	setString(&c.Log.Level, "MIAUTH_LOG_LEVEL")

	if err := setBool(&c.Log.Console, "MIAUTH_LOG_CONSOLE"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.Timeout, "MIAUTH_HTTP_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.TwoFactor.Timeout, "MIAUTH_TWO_FACTOR_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Tickets.TTL, "MIAUTH_TICKET_TTL"); err != nil {
		return err
	}

	return c.Validate()
}

// Validate checks the settings that cannot be defaulted
func (c *Config) Validate() error {
	if c.Xiaomi.AccountURL == "" || c.Xiaomi.STSURL == "" {
		return fmt.Errorf("xiaomi account_url and sts_url are required")
	}
	if c.TwoFactor.Timeout <= 0 {
		return fmt.Errorf("two_factor timeout must be positive")
	}
	// The API hands out service tokens
	if c.Server.APIKey == "" && !IsLoopback(c.Server.Addr) {
		return fmt.Errorf("server api_key is required when listening on %q", c.Server.Addr)
	}

	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf("store redis_url is required for the redis driver")
	}

	switch c.Events.Driver {
	case "none", "gochannel", "redisstream":
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}
	if c.Events.Driver == "redisstream" && c.Events.RedisURL == "" {
		return fmt.Errorf("events redis_url is required for the redisstream driver")
	}

	return nil
}

// IsLoopback reports whether addr only accepts local connections
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
