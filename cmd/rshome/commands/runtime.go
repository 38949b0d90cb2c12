package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/config"
	"github.com/narrensicher/rshome/pkg/rshome/copilot"
	"github.com/narrensicher/rshome/pkg/rshome/history"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/ratelimit"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
	"github.com/narrensicher/rshome/pkg/rshome/sources"
	"github.com/narrensicher/rshome/pkg/rshome/tools"
)

// runtime holds what every platform worker shares: configuration, logger,
// history store, language-model client and agent.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *history.Store
	llm    *llm.Client
	agent  *copilot.Agent
}

// loadConfig resolves the config file from the --config flag or the
// standard search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, used, err := config.Load(path, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if used != "" {
		slog.Debug("config loaded", "path", used)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newRuntime loads the configuration and opens the shared backends.
func newRuntime(ctx context.Context, cmd *cobra.Command, logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := newLogger(cfg.Logging, verbose, logOut)
	slog.SetDefault(logger)

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key: set OPENAI_API_KEY or run 'rshome secret set openai_api_key'")
	}

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return nil, err
	}

	client := llm.NewClient(cfg.LLM, logger)
	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry, toolSources(cfg.Sources, logger)); err != nil {
		store.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	logger.Info("tools registered", "tools", registry.Names())

	return &runtime{
		cfg:    cfg,
		logger: logger,
		store:  store,
		llm:    client,
		agent:  copilot.NewAgent(client, registry, cfg.Agent, logger),
	}, nil
}

// toolSources builds an adapter for every source with credentials.
func toolSources(cfg config.SourcesConfig, logger *slog.Logger) tools.Sources {
	var src tools.Sources
	if cfg.OpenWeatherMapKey != "" {
		src.Weather = sources.NewWeather(cfg.OpenWeatherMapKey, logger)
	}
	if cfg.Feeds {
		src.Headlines = sources.NewFeeds(nil, logger)
	}
	if cfg.HomeAssistantURL != "" && cfg.HomeAssistantKey != "" {
		src.Vehicle = sources.NewHomeAssistant(cfg.HomeAssistantURL, cfg.HomeAssistantKey, logger)
	}
	if cfg.BraveAPIKey != "" {
		src.Search = sources.NewWebSearch(cfg.BraveAPIKey, logger)
	}
	return src
}

// newEngine wires the response pipeline of one platform. The returned
// limiter is the one guarding the engine's model calls.
func (r *runtime) newEngine(p channels.Platform, log copilot.MessageLog, cache *roster.Cache, syntax mentions.Syntax, cfg copilot.EngineConfig) (*copilot.Engine, copilot.Limiter, error) {
	limiter, err := ratelimit.New(r.cfg.RateLimit.Capacity, r.cfg.RateLimit.Window)
	if err != nil {
		return nil, nil, fmt.Errorf("%s rate limiter: %w", p.Name(), err)
	}
	if cfg.BotName == "" {
		cfg.BotName = r.cfg.Name
	}
	engine, err := copilot.NewEngine(copilot.EngineDeps{
		Platform:   p,
		Log:        log,
		Cache:      cache,
		Translator: mentions.NewTranslator(syntax, r.logger),
		Agent:      r.agent,
		LLM:        r.llm,
		Limiter:    limiter,
		Logger:     r.logger,
	}, cfg)
	if err != nil {
		return nil, nil, err
	}
	return engine, limiter, nil
}

// Close releases the shared backends.
func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("closing history store", "error", err)
	}
}
