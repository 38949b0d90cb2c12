package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DISCORD_TOKEN", "DISCORD_ADMIN_ID", "DISCORD_ENABLE", "OPENAI_API_KEY",
		"MATRIX_HOMESERVER", "MATRIX_USER_ID", "MATRIX_PASSWORD", "MATRIX_ENABLE", "MATRIX_ACCESS_TOKEN",
		"SQLITE_DB_PATH", "WEB_LOGIN_HASH", "OPENWEATHERMAP_API_KEY", "HA_API_URL", "HA_TOKEN", "BRAVE_API_KEY",
	} {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: Botty
discord:
  enabled: true
  token: abc
supervisor:
  max_delay: 30s
rate_limit:
  capacity: 3
engine:
  reaction_ceiling: 0.5
`))
	require.NoError(t, err)

	assert.Equal(t, "Botty", cfg.Name)
	assert.True(t, cfg.Discord.Enabled)
	assert.True(t, cfg.Discord.IgnoreBots, "default kept")
	assert.Equal(t, 30*time.Second, cfg.Supervisor.MaxDelay)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.InitialDelay)
	assert.Equal(t, 3, cfg.RateLimit.Capacity)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 0.5, cfg.Engine.ReactionCeiling)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)

	_, err = Parse([]byte("discord: [unclosed"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RSHOME_SET", "wert")
	t.Setenv("RSHOME_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "braced", input: "a: ${RSHOME_SET}", want: "a: wert"},
		{name: "plain", input: "a: $RSHOME_SET", want: "a: wert"},
		{name: "unset stays", input: "a: ${RSHOME_UNSET}", want: "a: ${RSHOME_UNSET}"},
		{name: "default used", input: "a: ${RSHOME_UNSET:-fallback}", want: "a: fallback"},
		{name: "default on empty", input: "a: ${RSHOME_EMPTY:-fallback}", want: "a: fallback"},
		{name: "default skipped", input: "a: ${RSHOME_SET:-fallback}", want: "a: wert"},
		{name: "required present", input: "a: ${RSHOME_SET:?needed}", want: "a: wert"},
		{name: "required missing", input: "a: ${RSHOME_UNSET:?needed}", wantErr: true},
		{name: "no references", input: "a: b", want: "a: b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "RSHOME_UNSET: needed")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadFileWithEnvReferences(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "from-env")
	t.Setenv("RSHOME_MODEL", "gpt-4o-mini")

	path := writeFile(t, `
discord:
  enabled: true
  token: ${DISCORD_TOKEN}
llm:
  api_key: ${OPENAI_API_KEY}
  model: ${RSHOME_MODEL}
`)
	cfg, used, err := Load(path, discard)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "from-env", cfg.Discord.Token)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Empty(t, cfg.LLM.APIKey, "empty variable expands to empty")

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), discard)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "tok")
	t.Setenv("DISCORD_ADMIN_ID", "42")
	t.Setenv("MATRIX_HOMESERVER", "https://matrix.example.org")
	t.Setenv("MATRIX_USER_ID", "@rshome:example.org")
	t.Setenv("MATRIX_PASSWORD", "pw")
	t.Setenv("MATRIX_ENABLE", "false")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SQLITE_DB_PATH", "/tmp/x.db")
	t.Setenv("HA_API_URL", "http://ha.local:8123")

	cfg := FromEnv()
	assert.True(t, cfg.Discord.Enabled)
	assert.Equal(t, "42", cfg.Discord.AdminID)
	assert.Equal(t, "42", cfg.Engine.AdminID)
	assert.False(t, cfg.Matrix.Enabled, "explicitly disabled")
	assert.Equal(t, "pw", cfg.Matrix.Password)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "/tmp/x.db", cfg.History.Path)
	assert.Equal(t, "http://ha.local:8123", cfg.Sources.HomeAssistantURL)
	assert.False(t, cfg.Web.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestResolveSecretsPrefersKeyring(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("BRAVE_API_KEY", "env-brave")

	require.NoError(t, StoreSecret("openai_api_key", "keyring-key"))
	t.Cleanup(func() { _ = DeleteSecret("openai_api_key") })

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "file-key"
	cfg.Sources.BraveAPIKey = "file-brave"
	cfg.Discord.Token = "file-token"
	cfg.Sources.HomeAssistantKey = "${HA_TOKEN_UNSET}"

	ResolveSecrets(cfg, discard)
	assert.Equal(t, "keyring-key", cfg.LLM.APIKey)
	assert.Equal(t, "env-brave", cfg.Sources.BraveAPIKey)
	assert.Equal(t, "file-token", cfg.Discord.Token)
	assert.Empty(t, cfg.Sources.HomeAssistantKey)
}

func TestSecretStore(t *testing.T) {
	assert.True(t, errors.Is(StoreSecret("nope", "x"), faults.ErrInvalidArgument))
	assert.True(t, errors.Is(DeleteSecret("nope"), faults.ErrInvalidArgument))
	assert.True(t, errors.Is(DeleteSecret("ha_token"), faults.ErrNotFound))

	require.NoError(t, StoreSecret("ha_token", "geheim"))
	assert.Equal(t, "geheim", GetSecret("ha_token"))
	require.NoError(t, DeleteSecret("ha_token"))
	assert.Empty(t, GetSecret("ha_token"))

	assert.Contains(t, SecretNames(), "discord_token")
	assert.IsIncreasing(t, SecretNames())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Discord.Enabled = true
		cfg.Discord.Token = "tok"
		cfg.LLM.APIKey = "sk"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no platform", mutate: func(c *Config) { c.Discord.Enabled = false }, want: "no platform enabled"},
		{name: "discord token", mutate: func(c *Config) { c.Discord.Token = "" }, want: "discord.token"},
		{name: "matrix credentials", mutate: func(c *Config) {
			c.Matrix.Enabled = true
			c.Matrix.Homeserver = "https://m.example.org"
			c.Matrix.UserID = "@a:example.org"
		}, want: "neither password nor access_token"},
		{name: "api key", mutate: func(c *Config) { c.LLM.APIKey = "" }, want: "llm.api_key"},
		{name: "rate limit", mutate: func(c *Config) { c.RateLimit.Capacity = 0 }, want: "rate_limit"},
		{name: "history", mutate: func(c *Config) { c.Engine.HistoryLimit = -1 }, want: "history_limit"},
		{name: "ceiling", mutate: func(c *Config) { c.Engine.ReactionCeiling = 1.5 }, want: "reaction_ceiling"},
		{name: "web hash", mutate: func(c *Config) { c.Web.Enabled = true }, want: "login_hash"},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, want: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrInvalidArgument))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Matrix.Homeserver = "https://matrix.example.org"
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Matrix.Homeserver, back.Matrix.Homeserver)
	assert.Equal(t, cfg.Supervisor, back.Supervisor)
}
