package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"onecell/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g.
// ONECELL_CREDENTIALS_TELEGRAM_BOT_TOKEN.
const EnvPrefix = "ONECELL_"

// Config is the root configuration for onecell.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general" envPrefix:"GENERAL_"`
	Store       StoreConfig       `json:"store" yaml:"store" envPrefix:"STORE_"`
	Poll        PollConfig        `json:"poll" yaml:"poll" envPrefix:"POLL_"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation" envPrefix:"AGGREGATION_"`
	Adapters    AdaptersConfig    `json:"adapters" yaml:"adapters" envPrefix:"ADAPTERS_"`
	Webhook     WebhookConfig     `json:"webhook" yaml:"webhook" envPrefix:"WEBHOOK_"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials" envPrefix:"CREDENTIALS_"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" yaml:"logFormat" env:"LOG_FORMAT"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"LOG_FILE"`
}

// StoreConfig selects the credential store, see store.Open for DSN forms.
type StoreConfig struct {
	DSN string `json:"dsn" yaml:"dsn" env:"DSN"`
}

type PollConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
	IntervalSeconds int  `json:"intervalSeconds" yaml:"intervalSeconds" env:"INTERVAL_SECONDS"`
	Limit           int  `json:"limit" yaml:"limit" env:"LIMIT"`
}

type AggregationConfig struct {
	PullTimeoutSeconds int `json:"pullTimeoutSeconds" yaml:"pullTimeoutSeconds" env:"PULL_TIMEOUT_SECONDS"`
	MaxMessages        int `json:"maxMessages" yaml:"maxMessages" env:"MAX_MESSAGES"`
	SeenCapacity       int `json:"seenCapacity" yaml:"seenCapacity" env:"SEEN_CAPACITY"`
}

type AdaptersConfig struct {
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds" env:"REQUEST_TIMEOUT_SECONDS"`
	SendTimeoutSeconds    int    `json:"sendTimeoutSeconds" yaml:"sendTimeoutSeconds" env:"SEND_TIMEOUT_SECONDS"`
	GraphAPIBase          string `json:"graphAPIBase" yaml:"graphAPIBase" env:"GRAPH_API_BASE"`
	TelegramAPIEndpoint   string `json:"telegramAPIEndpoint,omitempty" yaml:"telegramAPIEndpoint,omitempty" env:"TELEGRAM_API_ENDPOINT"`

	// Per-platform outbound throttle; 0 disables it.
	SendRatePerMinute float64 `json:"sendRatePerMinute" yaml:"sendRatePerMinute" env:"SEND_RATE_PER_MINUTE"`
	SendBurst         int     `json:"sendBurst" yaml:"sendBurst" env:"SEND_BURST"`
}

type WebhookConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Host       string `json:"host" yaml:"host" env:"HOST"`
	Port       int    `json:"port" yaml:"port" env:"PORT"`
	PathPrefix string `json:"pathPrefix" yaml:"pathPrefix" env:"PATH_PREFIX"`

	WhatsApp  WebhookSecrets `json:"whatsapp" yaml:"whatsapp" envPrefix:"WHATSAPP_"`
	Telegram  WebhookSecrets `json:"telegram" yaml:"telegram" envPrefix:"TELEGRAM_"`
	Instagram WebhookSecrets `json:"instagram" yaml:"instagram" envPrefix:"INSTAGRAM_"`
	Messenger WebhookSecrets `json:"messenger" yaml:"messenger" envPrefix:"MESSENGER_"`
}

// WebhookSecrets authenticate pushes from one platform. VerifyToken is the
// hub.verify_token handshake value, AppSecret signs Graph payloads and
// SecretToken is Telegram's X-Telegram-Bot-Api-Secret-Token.
type WebhookSecrets struct {
	VerifyToken string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty" env:"VERIFY_TOKEN"`
	AppSecret   string `json:"appSecret,omitempty" yaml:"appSecret,omitempty" env:"APP_SECRET"`
	SecretToken string `json:"secretToken,omitempty" yaml:"secretToken,omitempty" env:"SECRET_TOKEN"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
}

// CredentialsConfig holds bootstrap credentials, used only for platforms
// with nothing persisted in the credential store.
type CredentialsConfig struct {
	WhatsApp  PlatformCredential `json:"whatsapp" yaml:"whatsapp" envPrefix:"WHATSAPP_"`
	Telegram  PlatformCredential `json:"telegram" yaml:"telegram" envPrefix:"TELEGRAM_"`
	Instagram PlatformCredential `json:"instagram" yaml:"instagram" envPrefix:"INSTAGRAM_"`
	Messenger PlatformCredential `json:"messenger" yaml:"messenger" envPrefix:"MESSENGER_"`
}

type PlatformCredential struct {
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty" env:"ACCESS_TOKEN"`
	BotToken      string `json:"botToken,omitempty" yaml:"botToken,omitempty" env:"BOT_TOKEN"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty" env:"PHONE_NUMBER_ID"`
	PageID        string `json:"pageId,omitempty" yaml:"pageId,omitempty" env:"PAGE_ID"`
	AppID         string `json:"appId,omitempty" yaml:"appId,omitempty" env:"APP_ID"`
	AppSecret     string `json:"appSecret,omitempty" yaml:"appSecret,omitempty" env:"APP_SECRET"`
	WebhookURL    string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty" env:"WEBHOOK_URL"`
}

func (p PlatformCredential) Credential() domain.Credential {
	return domain.Credential(p)
}

// Credential returns the bootstrap credential configured for platform.
func (c CredentialsConfig) Credential(platform domain.PlatformID) domain.Credential {
	switch platform {
	case domain.WhatsApp:
		return c.WhatsApp.Credential()
	case domain.Telegram:
		return c.Telegram.Credential()
	case domain.Instagram:
		return c.Instagram.Credential()
	case domain.Messenger:
		return c.Messenger.Credential()
	}
	return domain.Credential{}
}

// Secrets returns the webhook secrets configured for platform.
func (w WebhookConfig) Secrets(platform domain.PlatformID) WebhookSecrets {
	switch platform {
	case domain.WhatsApp:
		return w.WhatsApp
	case domain.Telegram:
		return w.Telegram
	case domain.Instagram:
		return w.Instagram
	case domain.Messenger:
		return w.Messenger
	}
	return WebhookSecrets{}
}

func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (a AggregationConfig) PullTimeout() time.Duration {
	return time.Duration(a.PullTimeoutSeconds) * time.Second
}

func (a AdaptersConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func (a AdaptersConfig) SendTimeout() time.Duration {
	return time.Duration(a.SendTimeoutSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.onecell).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".onecell"
	}
	return filepath.Join(home, ".onecell")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML config file, expands ${VAR} references,
// applies ONECELL_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	return finish(cfg)
}

// FromEnv builds a config from defaults and environment overrides alone.
func FromEnv() (*Config, error) {
	return finish(Defaults())
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DSN = ExpandPath(cfg.Store.DSN)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays ONECELL_* environment variables onto cfg. Unset
// variables leave the current values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension. The
// file may hold secrets, so it is only readable by the owner.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if strings.TrimSpace(cfg.Store.DSN) == "" {
		errs = append(errs, "store.dsn is required")
	}

	if cfg.Poll.IntervalSeconds < 1 {
		errs = append(errs, "poll.intervalSeconds must be >= 1")
	}
	if cfg.Poll.Limit < 1 {
		errs = append(errs, "poll.limit must be >= 1")
	}

	if cfg.Aggregation.PullTimeoutSeconds < 1 {
		errs = append(errs, "aggregation.pullTimeoutSeconds must be >= 1")
	}
	if cfg.Aggregation.MaxMessages < 1 {
		errs = append(errs, "aggregation.maxMessages must be >= 1")
	}
	if cfg.Aggregation.SeenCapacity < 1 {
		errs = append(errs, "aggregation.seenCapacity must be >= 1")
	}

	if cfg.Adapters.RequestTimeoutSeconds < 1 {
		errs = append(errs, "adapters.requestTimeoutSeconds must be >= 1")
	}
	if cfg.Adapters.SendTimeoutSeconds < 1 {
		errs = append(errs, "adapters.sendTimeoutSeconds must be >= 1")
	}
	if cfg.Adapters.SendRatePerMinute < 0 {
		errs = append(errs, "adapters.sendRatePerMinute must be >= 0")
	}
	if cfg.Adapters.SendRatePerMinute > 0 && cfg.Adapters.SendBurst < 1 {
		errs = append(errs, "adapters.sendBurst must be >= 1 when sends are throttled")
	}
	if msg := checkHTTPURL("adapters.graphAPIBase", cfg.Adapters.GraphAPIBase, true); msg != "" {
		errs = append(errs, msg)
	}
	if msg := checkHTTPURL("adapters.telegramAPIEndpoint", cfg.Adapters.TelegramAPIEndpoint, false); msg != "" {
		errs = append(errs, msg)
	}

	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Webhook.PathPrefix, "/") {
		errs = append(errs, "webhook.pathPrefix must start with /")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkHTTPURL(field, raw string, required bool) string {
	if raw == "" {
		if required {
			return field + " is required"
		}
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return field + " must be an http(s) URL"
	}
	return ""
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
