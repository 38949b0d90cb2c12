// Package config defines the rshome configuration file, its defaults and
// validation.
//
// Configuration is read from a YAML file when one exists. Without a file the
// whole configuration comes from environment variables, so a container can
// run the bridge with nothing but an env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/channels/console"
	"github.com/narrensicher/rshome/pkg/rshome/channels/discord"
	"github.com/narrensicher/rshome/pkg/rshome/channels/matrix"
	"github.com/narrensicher/rshome/pkg/rshome/copilot"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/history"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/supervisor"
)

// Config is the root configuration.
type Config struct {
	// Name is the bot's display name used in prompts and on the console.
	Name string `yaml:"name"`

	Logging    LoggingConfig        `yaml:"logging"`
	Discord    discord.Config       `yaml:"discord"`
	Matrix     matrix.Config        `yaml:"matrix"`
	Console    console.Config       `yaml:"console"`
	LLM        llm.Config           `yaml:"llm"`
	History    history.Config       `yaml:"history"`
	Supervisor supervisor.Config    `yaml:"supervisor"`
	Engine     copilot.EngineConfig `yaml:"engine"`
	Agent      copilot.AgentConfig  `yaml:"agent"`
	RateLimit  RateLimitConfig      `yaml:"rate_limit"`
	Status     StatusConfig         `yaml:"status"`
	Web        WebConfig            `yaml:"web"`
	Sources    SourcesConfig        `yaml:"sources"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
}

// RateLimitConfig bounds language-model calls per platform worker.
type RateLimitConfig struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// StatusConfig controls the rotating platform status.
type StatusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// WebConfig configures the HTTP status surface.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// LoginHash is the bcrypt hash of the basic-auth password.
	LoginHash string `yaml:"login_hash"`
	User      string `yaml:"user"`
}

// SourcesConfig holds the credentials of the tool data sources. A source
// without credentials leaves its tools unregistered.
type SourcesConfig struct {
	OpenWeatherMapKey string `yaml:"openweathermap_api_key"`
	HomeAssistantURL  string `yaml:"homeassistant_url"`
	HomeAssistantKey  string `yaml:"homeassistant_token"`
	BraveAPIKey       string `yaml:"brave_api_key"`
	Feeds             bool   `yaml:"feeds"`
}

// DefaultConfig returns the configuration used for absent keys.
func DefaultConfig() *Config {
	return &Config{
		Name: "RSHome",
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Discord: discord.DefaultConfig(),
		Matrix:  matrix.DefaultConfig(),
		Console: console.Config{
			BotName:     "RSHome",
			Prompt:      "> ",
			HistoryFile: ".rshome_history",
		},
		LLM: llm.Config{
			BaseURL:   llm.DefaultBaseURL,
			Model:     llm.DefaultModel,
			MaxTokens: llm.DefaultMaxTokens,
			Timeout:   llm.DefaultTimeout,
		},
		History: history.Config{
			Path:        "./data/rshome.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Supervisor: supervisor.DefaultConfig(),
		Engine: copilot.EngineConfig{
			HistoryLimit:     copilot.DefaultHistoryLimit,
			Reactions:        true,
			ReactionCooldown: copilot.DefaultReactionCooldown,
			ReactionCeiling:  copilot.DefaultReactionCeiling,
		},
		Agent: copilot.AgentConfig{
			MaxTokens: llm.DefaultMaxTokens,
		},
		RateLimit: RateLimitConfig{
			Capacity: 10,
			Window:   60 * time.Second,
		},
		Status: StatusConfig{
			Enabled:  true,
			Schedule: "@every 30m",
		},
		Web: WebConfig{
			Address: ":8080",
			User:    "admin",
		},
		Sources: SourcesConfig{
			Feeds: true,
		},
	}
}

// Validate reports every problem that would keep serve from starting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !c.Discord.Enabled && !c.Matrix.Enabled {
		add("no platform enabled (set discord.enabled or matrix.enabled)")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		add("discord is enabled but discord.token is empty")
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" {
			add("matrix is enabled but homeserver or user_id is empty")
		}
		if c.Matrix.Password == "" && c.Matrix.AccessToken == "" {
			add("matrix is enabled but neither password nor access_token is set")
		}
	}
	if c.LLM.APIKey == "" {
		add("llm.api_key is empty")
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0 {
		add("rate_limit capacity and window must be positive")
	}
	if c.Engine.HistoryLimit <= 0 {
		add("engine.history_limit must be positive")
	}
	if c.Engine.ReactionCeiling < 0 || c.Engine.ReactionCeiling > 1 {
		add("engine.reaction_ceiling must be between 0 and 1")
	}
	if c.Web.Enabled && c.Web.LoginHash == "" {
		add("web is enabled but web.login_hash is empty")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format %q is not text or json", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", faults.ErrInvalidArgument, errors.Join(errs...))
}
