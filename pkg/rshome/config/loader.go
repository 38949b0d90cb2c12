package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the configuration. An empty path searches the standard
// locations; when no file exists the configuration is built from the
// environment alone. Secrets are resolved afterwards. The result is not
// validated.
func Load(path string, logger *slog.Logger) (*Config, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	var cfg *Config
	if path == "" {
		logger.Debug("no config file found, using environment")
		cfg = FromEnv()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVars(string(data))
		if err != nil {
			return nil, "", fmt.Errorf("config %s: %w", path, err)
		}
		if cfg, err = Parse([]byte(expanded)); err != nil {
			return nil, "", fmt.Errorf("config %s: %w", path, err)
		}
		checkFilePermissions(path, logger)
	}

	ResolveSecrets(cfg, logger)
	return cfg, path, nil
}

// Parse decodes YAML over DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML readable only by the owner.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing standard config path, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"rshome.yaml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// FromEnv builds a configuration from environment variables only.
func FromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Discord.Token = os.Getenv("DISCORD_TOKEN")
	cfg.Discord.AdminID = os.Getenv("DISCORD_ADMIN_ID")
	cfg.Discord.Enabled = envBool("DISCORD_ENABLE", cfg.Discord.Token != "")
	cfg.Engine.AdminID = cfg.Discord.AdminID

	cfg.Matrix.Homeserver = os.Getenv("MATRIX_HOMESERVER")
	cfg.Matrix.UserID = os.Getenv("MATRIX_USER_ID")
	cfg.Matrix.Password = os.Getenv("MATRIX_PASSWORD")
	cfg.Matrix.Enabled = envBool("MATRIX_ENABLE", cfg.Matrix.Homeserver != "")

	cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("SQLITE_DB_PATH"); v != "" {
		cfg.History.Path = v
	}

	cfg.Web.LoginHash = os.Getenv("WEB_LOGIN_HASH")
	cfg.Web.Enabled = cfg.Web.LoginHash != ""

	cfg.Sources.OpenWeatherMapKey = os.Getenv("OPENWEATHERMAP_API_KEY")
	cfg.Sources.HomeAssistantURL = os.Getenv("HA_API_URL")
	cfg.Sources.HomeAssistantKey = os.Getenv("HA_TOKEN")
	cfg.Sources.BraveAPIKey = os.Getenv("BRAVE_API_KEY")
	return cfg
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overriding the process environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset plain references
// stay in place; ${VAR:?message} fails when VAR is unset or empty.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if m[4] != "" {
			if val, ok := os.LookupEnv(m[4]); ok {
				return val
			}
			return match
		}

		name, op, arg := m[1], m[2], m[3]
		val, ok := os.LookupEnv(name)
		switch op {
		case ":-":
			if val == "" {
				return arg
			}
			return val
		case ":?":
			if val == "" {
				if arg == "" {
					arg = "required"
				}
				missing = append(missing, name+": "+arg)
			}
			return val
		}
		if ok {
			return val
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// IsEnvReference reports whether s is an unexpanded variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		logger.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
