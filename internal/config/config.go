package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for CoreAstra.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Analyzer  AnalyzerConfig  `json:"analyzer"`
	Gate      GateConfig      `json:"gate"`
	Execution ExecutionConfig `json:"execution"`
	Backup    BackupConfig    `json:"backup"`
	Audit     AuditConfig     `json:"audit"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional JSON log file
}

type ServerConfig struct {
	Enabled bool       `json:"enabled"`
	Host    string     `json:"host"`
	Port    int        `json:"port"`
	Auth    ServerAuth `json:"auth"`
	// WebSocketPath is where the terminal websocket is mounted (empty = disabled).
	WebSocketPath string `json:"webSocketPath,omitempty"`
}

type ServerAuth struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // hex SHA-256
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
}

// AnalyzerConfig controls risk classification. Thresholds are the minimum
// score for each level; anything below Low is "safe".
type AnalyzerConfig struct {
	RulesFile  string     `json:"rulesFile,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
}

type Thresholds struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

type GateConfig struct {
	CriticalCooldownSeconds int    `json:"criticalCooldownSeconds"`
	ConfirmTimeoutSeconds   int    `json:"confirmTimeoutSeconds"`
	MaxConcurrent           int    `json:"maxConcurrent"`
	Overflow                string `json:"overflow"` // "reject" | "queue"
	MaxQueue                int    `json:"maxQueue"`
	SweepIntervalMillis     int    `json:"sweepIntervalMillis"`
	RetentionSeconds        int    `json:"retentionSeconds"`
}

type ExecutionConfig struct {
	Shell          string `json:"shell"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxOutputBytes int    `json:"maxOutputBytes"`
	EventBuffer    int    `json:"eventBuffer"`
	WaitDelayMs    int    `json:"waitDelayMs"`
}

type BackupConfig struct {
	Enabled   bool   `json:"enabled"`
	Root      string `json:"root"`
	MaxSizeMB int    `json:"maxSizeMB"`
}

type AuditConfig struct {
	Enabled        bool `json:"enabled"`
	QueueSize      int  `json:"queueSize"`
	WriteTimeoutMs int  `json:"writeTimeoutMs"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ChatID    string         `json:"chatId"` // where confirmation requests are posted
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	Channel  string `json:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChannelID string `json:"channelId"`
}

// WebhookConfig posts every notification as signed JSON to URL.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"` // HMAC-SHA256 key for X-Signature-256
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, n.String())
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.coreastra).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coreastra"
	}
	return filepath.Join(home, ".coreastra")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandPaths resolves ~/ in every path-valued field.
func (c *Config) ExpandPaths() {
	c.General.Workspace = ExpandPath(c.General.Workspace)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Storage.DBPath = ExpandPath(c.Storage.DBPath)
	c.Analyzer.RulesFile = ExpandPath(c.Analyzer.RulesFile)
	c.Backup.Root = ExpandPath(c.Backup.Root)
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

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.Auth.Enabled && (cfg.Server.Auth.Username == "" || cfg.Server.Auth.PasswordHash == "") {
		errs = append(errs, "server.auth requires username and passwordHash when enabled")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}

	t := cfg.Analyzer.Thresholds
	if !(0 < t.Low && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		errs = append(errs, "analyzer.thresholds must satisfy 0 < low < medium < high < critical <= 100")
	}

	if cfg.Gate.CriticalCooldownSeconds < 0 {
		errs = append(errs, "gate.criticalCooldownSeconds must be >= 0")
	}
	if cfg.Gate.ConfirmTimeoutSeconds < 1 {
		errs = append(errs, "gate.confirmTimeoutSeconds must be >= 1")
	}
	if cfg.Gate.MaxConcurrent < 1 || cfg.Gate.MaxConcurrent > 64 {
		errs = append(errs, "gate.maxConcurrent must be between 1 and 64")
	}
	switch cfg.Gate.Overflow {
	case "reject", "queue":
	default:
		errs = append(errs, "gate.overflow must be one of: reject, queue")
	}
	if cfg.Gate.Overflow == "queue" && cfg.Gate.MaxQueue < 1 {
		errs = append(errs, "gate.maxQueue must be >= 1 when overflow is queue")
	}
	if cfg.Gate.SweepIntervalMillis < 10 {
		errs = append(errs, "gate.sweepIntervalMillis must be >= 10")
	}

	if cfg.Execution.Shell == "" {
		errs = append(errs, "execution.shell is required")
	}
	if cfg.Execution.TimeoutSeconds < 1 {
		errs = append(errs, "execution.timeoutSeconds must be >= 1")
	}
	if cfg.Execution.MaxOutputBytes < 1024 {
		errs = append(errs, "execution.maxOutputBytes must be >= 1024")
	}
	if cfg.Execution.EventBuffer < 1 {
		errs = append(errs, "execution.eventBuffer must be >= 1")
	}

	if cfg.Backup.Enabled && cfg.Backup.Root == "" {
		errs = append(errs, "backup.root is required when backups are enabled")
	}
	if cfg.Backup.MaxSizeMB < 1 {
		errs = append(errs, "backup.maxSizeMB must be >= 1")
	}

	if cfg.Audit.QueueSize < 1 {
		errs = append(errs, "audit.queueSize must be >= 1")
	}

	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token == "" {
		errs = append(errs, "notify.telegram.token is required when telegram is enabled")
	}
	if cfg.Notify.Slack.Enabled && (cfg.Notify.Slack.BotToken == "" || cfg.Notify.Slack.Channel == "") {
		errs = append(errs, "notify.slack requires botToken and channel when enabled")
	}
	if cfg.Notify.Discord.Enabled && (cfg.Notify.Discord.Token == "" || cfg.Notify.Discord.ChannelID == "") {
		errs = append(errs, "notify.discord requires token and channelId when enabled")
	}

	if cfg.Notify.Webhook.Enabled && !strings.HasPrefix(cfg.Notify.Webhook.URL, "http://") && !strings.HasPrefix(cfg.Notify.Webhook.URL, "https://") {
		errs = append(errs, "notify.webhook.url must be an http(s) URL when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
