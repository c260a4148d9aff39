package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the root configuration for the relay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Relay    RelayConfig    `json:"relay"`
	Backend  BackendConfig  `json:"backend"`
	Fallback FallbackConfig `json:"fallback"`
	Platform PlatformConfig `json:"platform"`
	Memory   MemoryConfig   `json:"memory"`
	Metrics  MetricsConfig  `json:"metrics"`
	Takeover TakeoverConfig `json:"takeover"`
}

type GeneralConfig struct {
	DataDir           string `json:"dataDir"`
	LogLevel          string `json:"logLevel"`
	LogFile           string `json:"logFile,omitempty"`
	SystemMessageMark string `json:"systemMessageMark" env:"SYSTEM_MESSAGE_MARK"`
}

// RelayConfig holds the timing of the orchestration engine.
type RelayConfig struct {
	BufferTimeoutMs    int `json:"bufferTimeoutMs" env:"MESSAGE_BUFFER_TIMEOUT"`
	FallbackTimeoutSec int `json:"fallbackTimeoutSec" env:"COZE_APOLOGY_REPLY_TIMEOUT"`
	TypingBaseMs       int `json:"typingBaseMs"`
	TypingJitterMs     int `json:"typingJitterMs"`
	HistoryLimit       int `json:"historyLimit"`
	InboundBuffer      int `json:"inboundBuffer"`
	ShutdownTimeoutSec int `json:"shutdownTimeoutSec"`
}

// BufferWindow is the debounce window.
func (r RelayConfig) BufferWindow() time.Duration {
	return time.Duration(r.BufferTimeoutMs) * time.Millisecond
}

// FallbackWindow is how long the AI call may run before a filler reply.
func (r RelayConfig) FallbackWindow() time.Duration {
	return time.Duration(r.FallbackTimeoutSec) * time.Second
}

type BackendConfig struct {
	Provider string     `json:"provider"` // "coze"
	Coze     CozeConfig `json:"coze"`
}

type CozeConfig struct {
	APIDomain                 string `json:"apiDomain" env:"COZE_API_DOMAIN"`
	AppID                     string `json:"appId" env:"COZE_APP_ID"`
	KeyID                     string `json:"keyId" env:"COZE_KEY_ID"`
	BotID                     string `json:"botId" env:"COZE_BOT_ID"`
	PrivateKeyPath            string `json:"privateKeyPath" env:"COZE_PRIVATE_KEY_PATH"`
	ImageUnderstandWorkflowID string `json:"imageUnderstandWorkflowId,omitempty" env:"COZE_IMAGE_UNDERSTAND_WORKFLOW_ID"`
	ApologyWorkflowID         string `json:"apologyWorkflowId,omitempty" env:"COZE_APOLOGY_REPLY_WORKFLOW_ID"`
	PollIntervalMs            int    `json:"pollIntervalMs"`
	RateLimitPerMin           int    `json:"rateLimitPerMinute,omitempty"`
	TokenTTLSeconds           int    `json:"tokenTtlSeconds"`
}

// FallbackConfig selects how filler replies and transcriptions are produced.
type FallbackConfig struct {
	Writer      string       `json:"writer" env:"FALLBACK_WRITER"` // "auto" | "workflow" | "openai" | "none"
	Transcriber string       `json:"transcriber"`                  // "coze" | "whisper"
	OpenAI      OpenAIConfig `json:"openai"`
}

// FallbackWriterName resolves the "auto" (or unset) writer from the
// configured credentials: the apology workflow first, then OpenAI. Without
// either it is "none".
func (c *Config) FallbackWriterName() string {
	switch c.Fallback.Writer {
	case "", "auto":
		switch {
		case c.Backend.Coze.ApologyWorkflowID != "":
			return "workflow"
		case c.Fallback.OpenAI.APIKey != "":
			return "openai"
		}
		return "none"
	}
	return c.Fallback.Writer
}

type OpenAIConfig struct {
	APIKey       string `json:"apiKey,omitempty" env:"OPENAI_API_KEY"`
	APIBase      string `json:"apiBase,omitempty" env:"OPENAI_BASE_URL"`
	Model        string `json:"model"`
	WhisperModel string `json:"whisperModel"`
	MaxTokens    int    `json:"maxTokens"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type PlatformConfig struct {
	Name     string         `json:"name"` // "wcf" | "telegram"
	WCF      WCFConfig      `json:"wcf"`
	Telegram TelegramConfig `json:"telegram"`
}

// WCFConfig points at the WeChat hook bridge websocket.
type WCFConfig struct {
	URL                string `json:"url" env:"WCF_BRIDGE_URL"`
	RequestTimeoutSec  int    `json:"requestTimeoutSec"`
	DownloadTimeoutSec int    `json:"downloadTimeoutSec"`
	ReconnectSec       int    `json:"reconnectSec"`
	MediaDir           string `json:"mediaDir"`
}

type TelegramConfig struct {
	Token     string         `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	AllowFrom FlexStringList `json:"allowFrom"`
	MediaDir  string         `json:"mediaDir"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (Telegram ids are often written as numbers).
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
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type MemoryConfig struct {
	DBPath                  string `json:"dbPath"`
	TranscriptRetentionDays int    `json:"transcriptRetentionDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Endpoint string `json:"endpoint"`
}

// TakeoverConfig locates the takeover state file (pause list and control codes).
type TakeoverConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

// DefaultConfigDir returns the default config directory (~/.wechatbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wechatbot"
	}
	return filepath.Join(home, ".wechatbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads .env.<name> into the process environment, falling back
// to .env. Variables already set are not overridden. Missing files are not an error.
func LoadDotEnv(name string) error {
	candidates := []string{".env"}
	if name != "" {
		candidates = []string{".env." + name, ".env"}
	}
	for _, file := range candidates {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
		return nil
	}
	return nil
}

// Resolve loads path when it exists, otherwise starts from Defaults. In both
// cases the environment overlay is applied and the result validated.
func Resolve(path string) (*Config, error) {
	path = ExpandPath(path)
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot stat config file %s: %w", path, err)
	}
	cfg := Defaults()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a JSON config file, expands ${VAR:-default}, overlays the
// environment and validates.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile parses path over Defaults without env expansion or validation.
// Editing commands use it so an incomplete file can still be filled in.
func ReadFile(path string) (*Config, error) {
	path = ExpandPath(path)
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := ApplyEnv(cfg); err != nil {
		return err
	}
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Takeover.Path = ExpandPath(cfg.Takeover.Path)
	cfg.Backend.Coze.PrivateKeyPath = ExpandPath(cfg.Backend.Coze.PrivateKeyPath)
	cfg.Platform.WCF.MediaDir = ExpandPath(cfg.Platform.WCF.MediaDir)
	cfg.Platform.Telegram.MediaDir = ExpandPath(cfg.Platform.Telegram.MediaDir)

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables named in `env` struct tags.
// Unset variables leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the config and reports every problem at once.
// Missing required settings and non-positive windows are errors; the
// relay refuses to start rather than run partially configured.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Relay.BufferTimeoutMs <= 0 {
		errs = append(errs, "relay.bufferTimeoutMs must be > 0")
	}
	if cfg.Relay.FallbackTimeoutSec <= 0 {
		errs = append(errs, "relay.fallbackTimeoutSec must be > 0")
	}
	if cfg.Relay.TypingBaseMs < 0 || cfg.Relay.TypingJitterMs < 0 {
		errs = append(errs, "relay.typingBaseMs and relay.typingJitterMs must be >= 0")
	}
	if cfg.Relay.HistoryLimit < 1 {
		errs = append(errs, "relay.historyLimit must be >= 1")
	}

	switch cfg.Backend.Provider {
	case "coze":
		c := cfg.Backend.Coze
		for _, req := range []struct{ name, val string }{
			{"COZE_API_DOMAIN", c.APIDomain},
			{"COZE_APP_ID", c.AppID},
			{"COZE_KEY_ID", c.KeyID},
			{"COZE_BOT_ID", c.BotID},
		} {
			if req.val == "" {
				errs = append(errs, fmt.Sprintf("missing required setting %s", req.name))
			}
		}
		if c.PrivateKeyPath == "" {
			errs = append(errs, "backend.coze.privateKeyPath is required")
		}
		if c.PollIntervalMs <= 0 {
			errs = append(errs, "backend.coze.pollIntervalMs must be > 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.provider %q is not supported (want coze)", cfg.Backend.Provider))
	}

	switch cfg.Fallback.Writer {
	case "", "auto", "none":
	case "workflow":
		if cfg.Backend.Coze.ApologyWorkflowID == "" {
			errs = append(errs, "fallback.writer=workflow requires COZE_APOLOGY_REPLY_WORKFLOW_ID")
		}
	case "openai":
		if cfg.Fallback.OpenAI.APIKey == "" {
			errs = append(errs, "fallback.writer=openai requires OPENAI_API_KEY")
		}
	default:
		errs = append(errs, "fallback.writer must be one of: auto, workflow, openai, none")
	}
	switch cfg.Fallback.Transcriber {
	case "coze":
	case "whisper":
		if cfg.Fallback.OpenAI.APIKey == "" {
			errs = append(errs, "fallback.transcriber=whisper requires OPENAI_API_KEY")
		}
	default:
		errs = append(errs, "fallback.transcriber must be one of: coze, whisper")
	}

	switch cfg.Platform.Name {
	case "wcf":
		if cfg.Platform.WCF.URL == "" {
			errs = append(errs, "platform.wcf.url is required")
		}
	case "telegram":
		if cfg.Platform.Telegram.Token == "" {
			errs = append(errs, "platform.telegram.token is required")
		}
	default:
		errs = append(errs, "platform.name must be one of: wcf, telegram")
	}

	if cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required")
	}
	if cfg.Takeover.Path == "" {
		errs = append(errs, "takeover.path is required")
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
