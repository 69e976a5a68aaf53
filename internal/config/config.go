// Package config loads the chatloom configuration from a TOML file,
// seeding defaults for anything the file omits.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath          = "config.toml"
	DefaultHTTPAddr            = ":8080"
	DefaultJWTExpiresIn        = "24h"
	DefaultDatabasePath        = "data/chatloom.db"
	DefaultMaxContextTokens    = 180000
	DefaultFreezeThreshold     = 30000
	DefaultCharsPerToken       = 4.0
	DefaultMessageCacheLimit   = 500
	DefaultAttachmentMaxBytes  = 128 * 1024
	DefaultAttachmentTimeoutMs = 15000
	DefaultJobTimeoutSeconds   = 300
	DefaultReplyTokens         = 1024
	DefaultSweepCron           = "*/5 * * * *"
	DefaultStatsCron           = "@hourly"
	DefaultOllamaBaseURL       = "http://localhost:11434"
)

type Config struct {
	Log         LogConfig         `toml:"log"`
	Context     ContextConfig     `toml:"context"`
	Attachments AttachmentConfig  `toml:"attachments"`
	Database    DatabaseConfig    `toml:"database"`
	Queue       QueueConfig       `toml:"queue"`
	Server      ServerConfig      `toml:"server"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Providers   ProvidersConfig   `toml:"providers"`
	Bots        []BotConfig       `toml:"bots" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ContextConfig tunes the conversation context engine.
type ContextConfig struct {
	MaxContextTokens      int     `toml:"max_context_tokens" validate:"gt=0"`
	FreezeThresholdTokens int     `toml:"freeze_threshold_tokens" validate:"gt=0"`
	CharsPerToken         float64 `toml:"chars_per_token" validate:"gt=0"`
	MessageCacheLimit     int     `toml:"message_cache_limit" validate:"gt=0"`
}

type AttachmentConfig struct {
	AttachmentMaxBytes       int64 `toml:"attachment_max_bytes"`
	AttachmentFetchTimeoutMs int   `toml:"attachment_fetch_timeout_ms"`
}

// FetchTimeout returns the attachment fetch timeout as a duration.
func (c AttachmentConfig) FetchTimeout() time.Duration {
	return time.Duration(c.AttachmentFetchTimeoutMs) * time.Millisecond
}

type DatabaseConfig struct {
	DatabasePath       string `toml:"database_path"`
	UseDatabaseStorage bool   `toml:"use_database_storage"`
}

type QueueConfig struct {
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
}

// JobTimeout returns the per-job wall-clock deadline.
func (c QueueConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

type ServerConfig struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	JWTSecret     string `toml:"jwt_secret"`
	JWTExpiresIn  string `toml:"jwt_expires_in"`
	AdminUsername string `toml:"admin_username"`
	AdminPassword string `toml:"admin_password"`
}

// ExpiresIn parses the configured JWT lifetime, falling back to the default.
func (c ServerConfig) ExpiresIn() time.Duration {
	d, err := time.ParseDuration(c.JWTExpiresIn)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

type MaintenanceConfig struct {
	Enabled   bool   `toml:"enabled"`
	SweepCron string `toml:"sweep_cron"`
	StatsCron string `toml:"stats_cron"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `toml:"anthropic"`
	OpenAI    ProviderConfig `toml:"openai"`
	Ollama    ProviderConfig `toml:"ollama"`
}

type ProviderConfig struct {
	APIKey    string `toml:"api_key"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`
}

// Key resolves the API key, preferring the literal value over the env var.
func (c ProviderConfig) Key() string {
	if strings.TrimSpace(c.APIKey) != "" {
		return strings.TrimSpace(c.APIKey)
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// BotConfig describes one bot persona: its Discord credentials, the model
// provider it speaks to, and its trigger rules.
type BotConfig struct {
	Name               string `toml:"name" validate:"required"`
	DiscordToken       string `toml:"discord_token"`
	DiscordTokenEnv    string `toml:"discord_token_env"`
	DisplayName        string `toml:"display_name"`
	Provider           string `toml:"provider" validate:"oneof=anthropic openai ollama"`
	Model              string `toml:"model" validate:"required"`
	MaxReplyTokens     int    `toml:"max_reply_tokens"`
	SystemPrompt       string `toml:"system_prompt"`
	RespondToMentions  bool   `toml:"respond_to_mentions"`
	RespondToReplies   bool   `toml:"respond_to_replies"`
	RespondToDMs       bool   `toml:"respond_to_dms"`
}

// Token resolves the Discord bot token, preferring the literal value.
func (c BotConfig) Token() string {
	if strings.TrimSpace(c.DiscordToken) != "" {
		return strings.TrimSpace(c.DiscordToken)
	}
	if c.DiscordTokenEnv != "" {
		return strings.TrimSpace(os.Getenv(c.DiscordTokenEnv))
	}
	return ""
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Context: ContextConfig{
			MaxContextTokens:      DefaultMaxContextTokens,
			FreezeThresholdTokens: DefaultFreezeThreshold,
			CharsPerToken:         DefaultCharsPerToken,
			MessageCacheLimit:     DefaultMessageCacheLimit,
		},
		Attachments: AttachmentConfig{
			AttachmentMaxBytes:       DefaultAttachmentMaxBytes,
			AttachmentFetchTimeoutMs: DefaultAttachmentTimeoutMs,
		},
		Database: DatabaseConfig{
			DatabasePath:       DefaultDatabasePath,
			UseDatabaseStorage: true,
		},
		Queue: QueueConfig{
			JobTimeoutSeconds: DefaultJobTimeoutSeconds,
		},
		Server: ServerConfig{
			Addr:          DefaultHTTPAddr,
			JWTExpiresIn:  DefaultJWTExpiresIn,
			AdminUsername: "admin",
		},
		Maintenance: MaintenanceConfig{
			Enabled:   true,
			SweepCron: DefaultSweepCron,
			StatsCron: DefaultStatsCron,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY"},
			OpenAI:    ProviderConfig{APIKeyEnv: "OPENAI_API_KEY"},
			Ollama:    ProviderConfig{BaseURL: DefaultOllamaBaseURL},
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	normalizeBots(cfg.Bots)

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// normalizeBots fills per-bot defaults TOML array decoding cannot seed.
func normalizeBots(bots []BotConfig) {
	for i := range bots {
		if bots[i].Provider == "" {
			bots[i].Provider = "anthropic"
		}
		if bots[i].MaxReplyTokens <= 0 {
			bots[i].MaxReplyTokens = DefaultReplyTokens
		}
		if bots[i].DisplayName == "" {
			bots[i].DisplayName = bots[i].Name
		}
		if !bots[i].RespondToMentions && !bots[i].RespondToReplies && !bots[i].RespondToDMs {
			bots[i].RespondToMentions = true
			bots[i].RespondToReplies = true
			bots[i].RespondToDMs = true
		}
	}
}

func validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
