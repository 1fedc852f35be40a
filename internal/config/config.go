package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultAccountID is the account id used when a channel has no accounts section.
const DefaultAccountID = "default"

// Config represents the main chatgate configuration
type Config struct {
	// Channels
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`

	// HTTP server hosting webhook paths, the agent bridge and metrics
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Agent bridge
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	Dedup       DedupConfig       `json:"dedup" mapstructure:"dedup"`
	Pairing     PairingConfig     `json:"pairing" mapstructure:"pairing"`
	Outbound    OutboundConfig    `json:"outbound" mapstructure:"outbound"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ChannelsConfig holds per-channel configuration
type ChannelsConfig struct {
	WeCom      WeComConfig      `json:"wecom" mapstructure:"wecom"`
	DingTalk   DingTalkConfig   `json:"dingtalk" mapstructure:"dingtalk"`
	SignedHook SignedHookConfig `json:"signedhook" mapstructure:"signedhook"`
}

// AccountBase holds the fields every channel account shares. A nil Enabled
// means enabled.
type AccountBase struct {
	Name            string   `json:"name,omitempty" mapstructure:"name"`
	Enabled         *bool    `json:"enabled,omitempty" mapstructure:"enabled"`
	DMPolicy        string   `json:"dm_policy,omitempty" mapstructure:"dm_policy"` // open, pairing, allowlist
	AllowFrom       []string `json:"allow_from,omitempty" mapstructure:"allow_from"`
	ReplyFallbackMs int      `json:"reply_fallback_ms,omitempty" mapstructure:"reply_fallback_ms"`
}

// IsEnabled reports whether the account is enabled.
func (a AccountBase) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// WeComAccount configures one encrypted-webhook account
type WeComAccount struct {
	AccountBase    `mapstructure:",squash"`
	Token          string `json:"token,omitempty" mapstructure:"token"`
	EncodingAESKey string `json:"encoding_aes_key,omitempty" mapstructure:"encoding_aes_key"`
	ReceiveID      string `json:"receive_id,omitempty" mapstructure:"receive_id"`
	WebhookPath    string `json:"webhook_path,omitempty" mapstructure:"webhook_path"`
	WebhookURL     string `json:"webhook_url,omitempty" mapstructure:"webhook_url"`
}

// WeComConfig is the wecom channel section
type WeComConfig struct {
	WeComAccount   `mapstructure:",squash"`
	Accounts       map[string]WeComAccount `json:"accounts,omitempty" mapstructure:"accounts"`
	DefaultAccount string                  `json:"default_account,omitempty" mapstructure:"default_account"`
}

// DingTalkAccount configures one stream-mode robot
type DingTalkAccount struct {
	AccountBase  `mapstructure:",squash"`
	ClientID     string `json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" mapstructure:"client_secret"`
	APIBase      string `json:"api_base,omitempty" mapstructure:"api_base"`
}

// DingTalkConfig is the dingtalk channel section
type DingTalkConfig struct {
	DingTalkAccount `mapstructure:",squash"`
	Accounts        map[string]DingTalkAccount `json:"accounts,omitempty" mapstructure:"accounts"`
	DefaultAccount  string                     `json:"default_account,omitempty" mapstructure:"default_account"`
}

// SignedHookAccount configures one HMAC-signed JSON webhook
type SignedHookAccount struct {
	AccountBase `mapstructure:",squash"`
	Secret      string `json:"secret,omitempty" mapstructure:"secret"`
	WebhookPath string `json:"webhook_path,omitempty" mapstructure:"webhook_path"`
	CallbackURL string `json:"callback_url,omitempty" mapstructure:"callback_url"`
}

// SignedHookConfig is the signedhook channel section
type SignedHookConfig struct {
	SignedHookAccount `mapstructure:",squash"`
	Accounts          map[string]SignedHookAccount `json:"accounts,omitempty" mapstructure:"accounts"`
	DefaultAccount    string                       `json:"default_account,omitempty" mapstructure:"default_account"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	MaxBodyBytes       int64  `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	ReplyFallbackMs    int    `json:"reply_fallback_ms" mapstructure:"reply_fallback_ms"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MetricsPath        string `json:"metrics_path" mapstructure:"metrics_path"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BridgeConfig holds agent bridge configuration
type BridgeConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Path            string `json:"path" mapstructure:"path"`
	SharedSecret    string `json:"shared_secret" mapstructure:"shared_secret"`
	ReplyTTLSeconds int    `json:"reply_ttl_seconds" mapstructure:"reply_ttl_seconds"`
}

// DedupConfig holds dedup cache settings
type DedupConfig struct {
	TTLSeconds int `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	Threshold  int `json:"threshold" mapstructure:"threshold"`
}

// PairingConfig holds pairing store settings
type PairingConfig struct {
	Store      string `json:"store" mapstructure:"store"` // file, sqlite
	Path       string `json:"path" mapstructure:"path"`
	MaxPending int    `json:"max_pending" mapstructure:"max_pending"`
	TTLMinutes int    `json:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// OutboundConfig holds outbound delivery settings
type OutboundConfig struct {
	RetryMax       int     `json:"retry_max" mapstructure:"retry_max"`
	RetryBackoffMs int     `json:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RatePerSecond  float64 `json:"rate_per_second" mapstructure:"rate_per_second"`
	Burst          int     `json:"burst" mapstructure:"burst"`
}

// MaintenanceConfig holds the periodic maintenance schedule
type MaintenanceConfig struct {
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // 0 or 1 samples everything
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	AuditFile  string `json:"audit_file,omitempty" mapstructure:"audit_file"` // empty disables the audit trail
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8790,
			MaxBodyBytes:       1 << 20,
			ReplyFallbackMs:    1500,
			RateLimitPerMinute: 600,
			MetricsPath:        "/metrics",
		},
		Bridge: BridgeConfig{
			Enabled:         true,
			Path:            "/agent",
			ReplyTTLSeconds: 600,
		},
		Dedup: DedupConfig{
			TTLSeconds: 300,
			Threshold:  500,
		},
		Pairing: PairingConfig{
			Store:      "file",
			MaxPending: 3,
			TTLMinutes: 60,
		},
		Outbound: OutboundConfig{
			RetryMax:       3,
			RetryBackoffMs: 500,
			RatePerSecond:  5,
			Burst:          5,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "@every 1m",
		},
		Tracing: TracingConfig{
			ServiceName: "chatgate",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Clone returns a deep copy, so adapters can be handed an immutable snapshot.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		cp := *c
		return &cp
	}
	return out
}

var validPolicies = map[string]bool{
	"":           true,
	"open":       true,
	"pairing":    true,
	"allowlist":  true,
	"allow-list": true,
	"allow_list": true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max_body_bytes must not be negative")
	}
	if c.Server.ReplyFallbackMs < 0 {
		return fmt.Errorf("server reply_fallback_ms must not be negative")
	}

	if c.Bridge.Enabled && strings.TrimSpace(c.Bridge.Path) == "" {
		return fmt.Errorf("bridge path is required when the bridge is enabled")
	}

	switch c.Pairing.Store {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("invalid pairing store %q (must be: file, sqlite)", c.Pairing.Store)
	}

	for _, p := range c.policies() {
		if !validPolicies[strings.ToLower(strings.TrimSpace(p.value))] {
			return fmt.Errorf("%s: invalid dm_policy %q", p.where, p.value)
		}
	}

	return ValidateSchema(c)
}

type policyRef struct {
	where string
	value string
}

func (c *Config) policies() []policyRef {
	refs := []policyRef{
		{"channels.wecom", c.Channels.WeCom.DMPolicy},
		{"channels.dingtalk", c.Channels.DingTalk.DMPolicy},
		{"channels.signedhook", c.Channels.SignedHook.DMPolicy},
	}
	for id, a := range c.Channels.WeCom.Accounts {
		refs = append(refs, policyRef{"channels.wecom.accounts." + id, a.DMPolicy})
	}
	for id, a := range c.Channels.DingTalk.Accounts {
		refs = append(refs, policyRef{"channels.dingtalk.accounts." + id, a.DMPolicy})
	}
	for id, a := range c.Channels.SignedHook.Accounts {
		refs = append(refs, policyRef{"channels.signedhook.accounts." + id, a.DMPolicy})
	}
	return refs
}
