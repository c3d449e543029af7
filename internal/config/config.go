package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zorkian/chibichonk/pkg/types"
)

const (
	envConfigPath       = "CHIBICHONK_CONFIG"
	envLegacyConfigPath = "CONFIG_PATH"
	DefaultConfigPath   = "config.yaml"
	fallbackConfigPath  = "config/config.yaml"

	DefaultPort                  = 8883
	DefaultUpdateTimeInterval    = 3600
	DefaultUpdatePercentInterval = 25
	DefaultMetricsListen         = "127.0.0.1:9310"

	// placeholderWebhook is the value shipped in sample configs.
	placeholderWebhook = "YOUR_DISCORD_WEBHOOK_URL_HERE"
)

type Config struct {
	Debug    bool            `yaml:"debug" toml:"debug"`
	Discord  DiscordConfig   `yaml:"discord" toml:"discord"`
	Delivery DeliveryConfig  `yaml:"delivery" toml:"delivery"`
	Metrics  MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Printers []PrinterConfig `yaml:"printers" toml:"printers"`
}

type DiscordConfig struct {
	WebhookURL            string `yaml:"webhook_url" toml:"webhook_url"`
	Username              string `yaml:"username" toml:"username"`
	AvatarURL             string `yaml:"avatar_url" toml:"avatar_url"`
	UpdateTimeInterval    *int   `yaml:"update_time_interval" toml:"update_time_interval"`
	UpdatePercentInterval *int   `yaml:"update_percent_interval" toml:"update_percent_interval"`
}

type DeliveryConfig struct {
	OutboxCapacity int     `yaml:"outbox_capacity" toml:"outbox_capacity"`
	MaxAttempts    int     `yaml:"max_attempts" toml:"max_attempts"`
	RatePerSecond  float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst          int     `yaml:"burst" toml:"burst"`
}

type MetricsConfig struct {
	// Listen is the address for /metrics, /healthz and /readyz. Unset uses
	// DefaultMetricsListen; an empty string disables the server.
	Listen *string `yaml:"listen" toml:"listen"`
}

type PrinterConfig struct {
	Name       string `yaml:"name" toml:"name"`
	Host       string `yaml:"host" toml:"host"`
	IP         string `yaml:"ip" toml:"ip"`
	Port       int    `yaml:"port" toml:"port"`
	Serial     string `yaml:"serial" toml:"serial"`
	AccessCode string `yaml:"access_code" toml:"access_code"`
	CAFile     string `yaml:"ca_file" toml:"ca_file"`
	PingUserID string `yaml:"ping_user_id" toml:"ping_user_id"`
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`

	UpdateTimeInterval    *int `yaml:"update_time_interval" toml:"update_time_interval"`
	UpdatePercentInterval *int `yaml:"update_percent_interval" toml:"update_percent_interval"`
}

// Address returns the printer host, accepting the older "ip" key.
func (p PrinterConfig) Address() string {
	if p.Host != "" {
		return p.Host
	}
	return p.IP
}

// MQTTPort returns the configured port or the printer default.
func (p PrinterConfig) MQTTPort() int {
	if p.Port > 0 {
		return p.Port
	}
	return DefaultPort
}

// Cadence resolves the notification cadence for p. Printer settings override
// the discord defaults; an explicit zero disables that trigger.
func (c Config) Cadence(p PrinterConfig) types.Cadence {
	seconds := DefaultUpdateTimeInterval
	if c.Discord.UpdateTimeInterval != nil {
		seconds = *c.Discord.UpdateTimeInterval
	}
	if p.UpdateTimeInterval != nil {
		seconds = *p.UpdateTimeInterval
	}
	percent := DefaultUpdatePercentInterval
	if c.Discord.UpdatePercentInterval != nil {
		percent = *c.Discord.UpdatePercentInterval
	}
	if p.UpdatePercentInterval != nil {
		percent = *p.UpdatePercentInterval
	}
	if seconds < 0 {
		seconds = 0
	}
	if percent < 0 {
		percent = 0
	}
	return types.Cadence{
		TimeInterval:    time.Duration(seconds) * time.Second,
		PercentInterval: percent,
	}
}

// WebhookURL returns the webhook used for p, or "" when none is configured.
func (c Config) WebhookURL(p PrinterConfig) string {
	if u := strings.TrimSpace(p.WebhookURL); u != "" && u != placeholderWebhook {
		return u
	}
	if u := strings.TrimSpace(c.Discord.WebhookURL); u != "" && u != placeholderWebhook {
		return u
	}
	return ""
}

// MetricsListen returns the monitoring listen address; "" means disabled.
func (c Config) MetricsListen() string {
	if c.Metrics.Listen == nil {
		return DefaultMetricsListen
	}
	return strings.TrimSpace(*c.Metrics.Listen)
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Printers) == 0 {
		errs = append(errs, errors.New("no printers configured"))
	}
	if err := checkInterval("discord", c.Discord.UpdateTimeInterval, c.Discord.UpdatePercentInterval); err != nil {
		errs = append(errs, err)
	}
	if c.Delivery.OutboxCapacity < 0 || c.Delivery.MaxAttempts < 0 || c.Delivery.Burst < 0 || c.Delivery.RatePerSecond < 0 {
		errs = append(errs, errors.New("delivery settings must not be negative"))
	}

	seen := make(map[string]bool, len(c.Printers))
	for i, p := range c.Printers {
		label := fmt.Sprintf("printers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else {
			label = fmt.Sprintf("printer %q", p.Name)
			if seen[p.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", label))
			}
			seen[p.Name] = true
		}
		if p.Address() == "" {
			errs = append(errs, fmt.Errorf("%s: host is required", label))
		}
		if p.Port < 0 || p.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s: port %d out of range", label, p.Port))
		}
		if p.Serial == "" {
			errs = append(errs, fmt.Errorf("%s: serial is required", label))
		}
		if p.AccessCode == "" {
			errs = append(errs, fmt.Errorf("%s: access_code is required", label))
		}
		if err := checkInterval(label, p.UpdateTimeInterval, p.UpdatePercentInterval); err != nil {
			errs = append(errs, err)
		}
		webhook := c.WebhookURL(p)
		if webhook == "" {
			errs = append(errs, fmt.Errorf("%s: no webhook_url configured", label))
		} else if err := checkWebhook(webhook); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

func checkInterval(label string, seconds, percent *int) error {
	if seconds != nil && *seconds < 0 {
		return fmt.Errorf("%s: update_time_interval must not be negative", label)
	}
	if percent != nil && (*percent < 0 || *percent > 100) {
		return fmt.Errorf("%s: update_percent_interval must be between 0 and 100", label)
	}
	return nil
}

func checkWebhook(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook_url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid webhook_url %q: must be an http(s) URL", raw)
	}
	return nil
}

// Load reads and validates the configuration at path. Files ending in .toml
// are decoded as TOML, everything else as YAML.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := decode(path, data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ResolvePath returns explicit when set, otherwise the path chosen from the
// environment and the working directory.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, env := range []string{envConfigPath, envLegacyConfigPath} {
		if path := os.Getenv(env); path != "" {
			return path
		}
	}
	return findConfig(".")
}

func findConfig(dir string) string {
	primary := filepath.Join(dir, DefaultConfigPath)
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	fallback := filepath.Join(dir, fallbackConfigPath)
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return primary
}
