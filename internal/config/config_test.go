package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultMaxContextTokens, cfg.Context.MaxContextTokens)
	assert.Equal(t, DefaultFreezeThreshold, cfg.Context.FreezeThresholdTokens)
	assert.InDelta(t, DefaultCharsPerToken, cfg.Context.CharsPerToken, 0.001)
	assert.Equal(t, DefaultMessageCacheLimit, cfg.Context.MessageCacheLimit)
	assert.EqualValues(t, DefaultAttachmentMaxBytes, cfg.Attachments.AttachmentMaxBytes)
	assert.Equal(t, DefaultAttachmentTimeoutMs, cfg.Attachments.AttachmentFetchTimeoutMs)
	assert.True(t, cfg.Database.UseDatabaseStorage)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.DatabasePath)
	assert.Empty(t, cfg.Bots)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[log]
level = "debug"

[context]
max_context_tokens = 4096
freeze_threshold_tokens = 1000

[database]
database_path = "/tmp/history.db"
use_database_storage = false

[[bots]]
name = "caller"
discord_token = "token-1"
provider = "ollama"
model = "llama3"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4096, cfg.Context.MaxContextTokens)
	assert.Equal(t, 1000, cfg.Context.FreezeThresholdTokens)
	// Untouched sections keep defaults.
	assert.InDelta(t, DefaultCharsPerToken, cfg.Context.CharsPerToken, 0.001)
	assert.False(t, cfg.Database.UseDatabaseStorage)
	assert.Equal(t, "/tmp/history.db", cfg.Database.DatabasePath)

	require.Len(t, cfg.Bots, 1)
	bot := cfg.Bots[0]
	assert.Equal(t, "caller", bot.Name)
	assert.Equal(t, "token-1", bot.Token())
	assert.Equal(t, "ollama", bot.Provider)
	assert.Equal(t, "caller", bot.DisplayName)
	assert.Equal(t, DefaultReplyTokens, bot.MaxReplyTokens)
	assert.True(t, bot.RespondToMentions)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[[bots]]
name = "caller"
provider = "watson"
model = "m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestBotTokenFromEnv(t *testing.T) {
	t.Setenv("CHATLOOM_TEST_TOKEN", "env-token")
	bot := BotConfig{DiscordTokenEnv: "CHATLOOM_TEST_TOKEN"}
	assert.Equal(t, "env-token", bot.Token())
}
