// Package console implements a terminal platform. Each line typed at the
// prompt is a direct message to the bot, so the full pipeline can be
// exercised without a chat server.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// Fixed identities of the console session. Ids are numeric so the Discord
// mention syntax can be reused.
const (
	ChannelID = "console"
	SelfID    = "1"
	UserID    = "2"
)

// Config holds console configuration.
type Config struct {
	UserName    string `yaml:"user_name"`
	BotName     string `yaml:"bot_name"`
	Prompt      string `yaml:"prompt"`
	HistoryFile string `yaml:"history_file"`
}

// LineReader is the prompt the console reads from.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Platform, channels.Reactor and supervisor.Connector.
type Console struct {
	cfg     Config
	cache   *roster.Cache
	logger  *slog.Logger
	handler channels.EventHandler

	mu     sync.Mutex
	reader LineReader
	out    io.Writer
}

// New creates a console platform writing to out (stdout when nil).
func New(cfg Config, cache *roster.Cache, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = roster.New()
	}
	if out == nil {
		out = os.Stdout
	}
	if cfg.UserName == "" {
		cfg.UserName = os.Getenv("USER")
	}
	if cfg.UserName == "" {
		cfg.UserName = "user"
	}
	if cfg.BotName == "" {
		cfg.BotName = "RSHome"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}

	ch := cache.GetOrCreateChannel(ChannelID, "Konsole")
	ch.AddUser(SelfID, cfg.BotName)
	ch.AddUser(UserID, cfg.UserName)

	return &Console{cfg: cfg, cache: cache, out: out, logger: logger.With("component", "console")}
}

// SetHandler sets the receiver of inbound events. Call before Connect.
func (c *Console) SetHandler(h channels.EventHandler) { c.handler = h }

// SetReader replaces the interactive prompt, mainly for tests.
func (c *Console) SetReader(r LineReader) {
	c.mu.Lock()
	c.reader = r
	c.mu.Unlock()
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// CurrentSelfID returns the bot's fixed id.
func (c *Console) CurrentSelfID() string { return SelfID }

// Connect reads lines until EOF or ctx ends. Every line becomes an inbound
// direct message. A clean EOF returns nil.
func (c *Console) Connect(ctx context.Context, onEvent func()) error {
	reader, err := c.prompt()
	if err != nil {
		return err
	}

	closeReader := sync.OnceFunc(func() { reader.Close() })
	defer closeReader()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeReader()
		case <-stop:
		}
	}()

	for {
		line, err := reader.Readline()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("console: reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		onEvent()
		if c.handler != nil {
			c.handler(ctx, c.event(line))
		}
	}
}

func (c *Console) prompt() (LineReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return c.reader, nil
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		Stdout:          c.out,
	})
	if err != nil {
		return nil, fmt.Errorf("console: creating prompt: %w", err)
	}
	c.reader = rl
	c.out = rl.Stdout()
	return rl, nil
}

func (c *Console) event(line string) channels.InboundEvent {
	return channels.InboundEvent{
		Platform:     "console",
		MessageID:    uuid.NewString(),
		ChannelID:    ChannelID,
		ChannelLabel: "Konsole",
		SenderID:     UserID,
		SenderName:   c.cfg.UserName,
		Text:         line,
		Timestamp:    time.Now(),
		IsDirect:     true,
	}
}

func (c *Console) printf(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}

// SendMessage prints the reply, rendering mentions as @Name.
func (c *Console) SendMessage(_ context.Context, channelID, text, _ string) (channels.SentMessage, error) {
	if channelID != ChannelID {
		return channels.SentMessage{}, faults.NotFound("console channel %s", channelID)
	}
	if err := c.printf("%s: %s\n", c.cfg.BotName, c.render(text)); err != nil {
		return channels.SentMessage{}, fmt.Errorf("console: writing reply: %w", err)
	}
	return channels.SentMessage{ID: uuid.NewString(), ChannelID: channelID, Timestamp: time.Now()}, nil
}

// render replaces native mentions with @DisplayName.
func (c *Console) render(text string) string {
	ch, ok := c.cache.Channel(ChannelID)
	if !ok {
		return text
	}
	spans := mentions.DiscordSyntax{}.Find(text)
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp.Start])
		last = sp.End
		if u, ok := ch.GetUser(sp.UserID); ok {
			b.WriteString("@" + u.DisplayName)
		} else {
			b.WriteString(text[sp.Start:sp.End])
		}
	}
	b.WriteString(text[last:])
	return b.String()
}

// SendTyping is a no-op on the console.
func (c *Console) SendTyping(context.Context, string) error { return nil }

// React prints the reaction.
func (c *Console) React(_ context.Context, _, _, emoji string) error {
	return c.printf("%s reagiert mit %s\n", c.cfg.BotName, emoji)
}

// ResolveMention knows the two console participants.
func (c *Console) ResolveMention(_ context.Context, _, userID string) (string, error) {
	switch userID {
	case SelfID:
		return c.cfg.BotName, nil
	case UserID:
		return c.cfg.UserName, nil
	}
	return "", fmt.Errorf("%w: console user %s", faults.ErrUnresolvable, userID)
}

// Compile-time interface verification.
var (
	_ channels.Platform = (*Console)(nil)
	_ channels.Reactor  = (*Console)(nil)
	_ LineReader        = (*readline.Instance)(nil)
)
