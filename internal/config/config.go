// Package config handles Mailroom configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailroom/config.yaml, /etc/mailroom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailroom", "config.yaml"))
	}

	paths = append(paths, "/etc/mailroom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mailroom configuration.
type Config struct {
	Listen        ListenConfig    `yaml:"listen"`
	DataDir       string          `yaml:"data_dir"`
	BusinessesDir string          `yaml:"businesses_dir"`
	LogLevel      string          `yaml:"log_level"`
	Anthropic     AnthropicConfig `yaml:"anthropic"`
	Ollama        OllamaConfig    `yaml:"ollama"`
	Gmail         GmailConfig     `yaml:"gmail"`
	Outlook       OutlookConfig   `yaml:"outlook"`
	IMAP          IMAPConfig      `yaml:"imap"`
	MQTT          MQTTConfig      `yaml:"mqtt"`
	Learning      LearningConfig  `yaml:"learning"`
	Retry         RetryConfig     `yaml:"retry"`
	Timeouts      TimeoutsConfig  `yaml:"timeouts"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines the AI completion service used by the
// classify command. The compiled prompt is sent as the system message.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OllamaConfig selects a local Ollama server for classification
// instead of Anthropic. When URL is set it takes precedence.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// Configured reports whether an Ollama server is set.
func (c OllamaConfig) Configured() bool {
	return c.URL != ""
}

// GmailConfig points the Gmail label client at an API base URL.
// Tokens are supplied per request; this system never acquires them.
type GmailConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// OutlookConfig points the Microsoft Graph folder client at an API
// base URL.
type OutlookConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// Root is an optional well-known folder (e.g. "inbox") under which
	// the hierarchy is created. Empty means the mailbox root.
	Root string `yaml:"root"`
}

// IMAPConfig holds connection parameters for mailboxes provisioned
// over plain IMAP.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`

	// Prefix is the personal namespace folders are created under, for
	// servers that require one (e.g. "INBOX").
	Prefix string `yaml:"prefix"`
}

// Configured reports whether IMAP has the minimum required settings.
func (c IMAPConfig) Configured() bool {
	return c.Host != "" && c.Username != ""
}

// MQTTConfig configures the broker used to publish reconciliation
// results and refined voice profiles, and to receive send events from
// the workflow engine.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// SubscribeSendEvents enables ingestion of send events from
	// <topic_prefix>/+/send_events.
	SubscribeSendEvents bool `yaml:"subscribe_send_events"`
	// MaxInboundPerMinute caps accepted send events; the excess is
	// dropped and logged. Default: 600.
	MaxInboundPerMinute int `yaml:"max_inbound_per_minute"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// LearningConfig holds the product-tuned constants of the correction
// learning loop.
type LearningConfig struct {
	// RefinementThreshold is the number of pending corrections that
	// triggers a voice profile refinement. Default: 10.
	RefinementThreshold int `yaml:"refinement_threshold"`

	// MinorThreshold, ModerateThreshold and MajorThreshold are the
	// similarity cut points used to classify a correction.
	MinorThreshold    float64 `yaml:"minor_threshold"`
	ModerateThreshold float64 `yaml:"moderate_threshold"`
	MajorThreshold    float64 `yaml:"major_threshold"`

	// MinStyleConfidence is the profile confidence below which no
	// style guidance block is compiled into prompts. Default: 0.3.
	MinStyleConfidence float64 `yaml:"min_style_confidence"`

	// LockTTLSec bounds how long a learning_in_progress flag is
	// honored before it is considered abandoned. Default: 300.
	LockTTLSec int `yaml:"lock_ttl_sec"`
}

// LockTTL returns LockTTLSec as a duration.
func (c LearningConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

// RetryConfig controls backoff for transient provider failures.
type RetryConfig struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxRetries     int     `yaml:"max_retries"`
}

// TimeoutsConfig bounds external calls.
type TimeoutsConfig struct {
	ProviderSec int `yaml:"provider_sec"`
	AISec       int `yaml:"ai_sec"`
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8480
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.BusinessesDir == "" {
		c.BusinessesDir = filepath.Join(c.DataDir, "businesses")
	}
	c.BusinessesDir = expandHome(c.BusinessesDir)
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Gmail.BaseURL == "" {
		c.Gmail.BaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
	}
	if c.Outlook.BaseURL == "" {
		c.Outlook.BaseURL = "https://graph.microsoft.com/v1.0/me"
	}
	if c.IMAP.Host != "" {
		if c.IMAP.Port == 0 {
			c.IMAP.Port = 993
		}
		if !c.IMAP.TLS && c.IMAP.Port != 143 {
			c.IMAP.TLS = true
		}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mailroom"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mailroom"
	}
	if c.MQTT.MaxInboundPerMinute == 0 {
		c.MQTT.MaxInboundPerMinute = 600
	}
	if c.Ollama.Configured() && c.Ollama.Model == "" {
		c.Ollama.Model = "llama3.1"
	}

	l := &c.Learning
	if l.RefinementThreshold == 0 {
		l.RefinementThreshold = 10
	}
	if l.MinorThreshold == 0 {
		l.MinorThreshold = 0.9
	}
	if l.ModerateThreshold == 0 {
		l.ModerateThreshold = 0.7
	}
	if l.MajorThreshold == 0 {
		l.MajorThreshold = 0.4
	}
	if l.MinStyleConfidence == 0 {
		l.MinStyleConfidence = 0.3
	}
	if l.LockTTLSec == 0 {
		l.LockTTLSec = 300
	}

	r := &c.Retry
	if r.InitialDelayMs == 0 {
		r.InitialDelayMs = 500
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = 10_000
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 4
	}

	if c.Timeouts.ProviderSec == 0 {
		c.Timeouts.ProviderSec = 30
	}
	if c.Timeouts.AISec == 0 {
		c.Timeouts.AISec = 120
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	l := c.Learning
	if l.RefinementThreshold < 1 {
		return fmt.Errorf("learning.refinement_threshold must be at least 1")
	}
	if !(l.MajorThreshold < l.ModerateThreshold && l.ModerateThreshold < l.MinorThreshold && l.MinorThreshold <= 1) {
		return fmt.Errorf("learning thresholds must satisfy major (%.2f) < moderate (%.2f) < minor (%.2f) <= 1",
			l.MajorThreshold, l.ModerateThreshold, l.MinorThreshold)
	}
	if l.MinStyleConfidence < 0 || l.MinStyleConfidence > 1 {
		return fmt.Errorf("learning.min_style_confidence %.2f out of range (0-1)", l.MinStyleConfidence)
	}

	if c.IMAP.Host != "" {
		if c.IMAP.Username == "" {
			return fmt.Errorf("imap.username is required when imap.host is set")
		}
		if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
			return fmt.Errorf("imap.port %d out of range (1-65535)", c.IMAP.Port)
		}
	}
	if c.MQTT.Configured() && !strings.Contains(c.MQTT.Broker, "://") {
		return fmt.Errorf("mqtt.broker %q must be a URL such as mqtt://host:1883", c.MQTT.Broker)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}

// RetryDelays returns the initial and maximum backoff delays.
func (c *Config) RetryDelays() (initial, max time.Duration) {
	return time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// DBPath returns the SQLite database path under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mailroom.db")
}
