package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/zalando/go-keyring"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// KeyringService is the service name secrets are stored under in the OS keyring.
const KeyringService = "rshome"

// secret binds a keyring entry and an environment variable to a config field.
type secret struct {
	env   string
	field func(*Config) *string
}

// secrets resolve keyring, then environment, then the config file.
var secrets = map[string]secret{
	"discord_token":          {"DISCORD_TOKEN", func(c *Config) *string { return &c.Discord.Token }},
	"matrix_password":        {"MATRIX_PASSWORD", func(c *Config) *string { return &c.Matrix.Password }},
	"matrix_access_token":    {"MATRIX_ACCESS_TOKEN", func(c *Config) *string { return &c.Matrix.AccessToken }},
	"openai_api_key":         {"OPENAI_API_KEY", func(c *Config) *string { return &c.LLM.APIKey }},
	"web_login_hash":         {"WEB_LOGIN_HASH", func(c *Config) *string { return &c.Web.LoginHash }},
	"openweathermap_api_key": {"OPENWEATHERMAP_API_KEY", func(c *Config) *string { return &c.Sources.OpenWeatherMapKey }},
	"ha_token":               {"HA_TOKEN", func(c *Config) *string { return &c.Sources.HomeAssistantKey }},
	"brave_api_key":          {"BRAVE_API_KEY", func(c *Config) *string { return &c.Sources.BraveAPIKey }},
}

// SecretNames lists the names accepted by the secret commands.
func SecretNames() []string {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveSecrets overrides config secrets from the OS keyring or the
// environment. Values still holding an unexpanded reference are cleared.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for name, s := range secrets {
		dst := s.field(cfg)
		if val := GetSecret(name); val != "" {
			*dst = val
			logger.Debug("secret loaded from keyring", "name", name)
			continue
		}
		if val := os.Getenv(s.env); val != "" {
			*dst = val
			continue
		}
		if IsEnvReference(*dst) {
			logger.Warn("secret references an unset variable", "name", name, "value", *dst)
			*dst = ""
		}
	}
}

// StoreSecret saves a secret in the OS keyring.
func StoreSecret(name, value string) error {
	if _, ok := secrets[name]; !ok {
		return faults.Invalid("unknown secret %q", name)
	}
	if err := keyring.Set(KeyringService, name, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", name, err)
	}
	return nil
}

// GetSecret returns a secret from the OS keyring, or "" when absent or the
// keyring is unavailable.
func GetSecret(name string) string {
	val, err := keyring.Get(KeyringService, name)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(name string) error {
	if _, ok := secrets[name]; !ok {
		return faults.Invalid("unknown secret %q", name)
	}
	err := keyring.Delete(KeyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return faults.NotFound("secret %s", name)
	}
	if err != nil {
		return fmt.Errorf("deleting %s from keyring: %w", name, err)
	}
	return nil
}
