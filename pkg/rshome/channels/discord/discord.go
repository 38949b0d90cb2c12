// Package discord implements the Discord platform using discordgo.
//
// Features:
//   - Gateway connection supervised from outside (no internal reconnect)
//   - Guild text channels and direct messages
//   - Typing indicators, reactions and custom status
//   - Guild emotes for ambient reactions
//   - Channel rosters seeded from guild members
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// MaxMessageLength is Discord's per-message character limit.
const MaxMessageLength = 2000

// Config holds Discord configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AdminID may start dialogues with the !dialogue command.
	AdminID string `yaml:"admin_id"`

	// IgnoreBots drops messages from other bot accounts.
	IgnoreBots bool `yaml:"ignore_bots"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{IgnoreBots: true}
}

// Discord implements channels.Platform, channels.Reactor,
// channels.StatusSetter, channels.EmoteProvider and supervisor.Connector.
type Discord struct {
	cfg     Config
	cache   *roster.Cache
	logger  *slog.Logger
	handler channels.EventHandler

	mu      sync.RWMutex
	session *discordgo.Session

	selfID atomic.Value // string

	emoteMu sync.Mutex
	emotes  []string
}

// New creates a Discord platform. cache receives the channel rosters.
func New(cfg Config, cache *roster.Cache, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = roster.New()
	}
	l := logger.With("component", "discord")
	bridgeLogger(l)
	return &Discord{cfg: cfg, cache: cache, logger: l}
}

// SetHandler sets the receiver of inbound events. Call before Connect.
func (d *Discord) SetHandler(h channels.EventHandler) { d.handler = h }

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// CurrentSelfID returns the bot user id, empty before the first Ready.
func (d *Discord) CurrentSelfID() string {
	id, _ := d.selfID.Load().(string)
	return id
}

func (d *Discord) current() (*discordgo.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session == nil {
		return nil, fmt.Errorf("%w: discord is not connected", faults.ErrGatewayFault)
	}
	return d.session, nil
}

// Connect opens the gateway and blocks until the connection drops or ctx
// ends. onEvent is called for Ready and every message.
func (d *Discord) Connect(ctx context.Context, onEvent func()) error {
	if d.cfg.Token == "" {
		return faults.Invalid("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildEmojis
	// Reconnects are the supervisor's job; events arrive in order.
	session.ShouldReconnectOnError = false
	session.SyncEvents = true

	dropped := make(chan struct{})
	var dropOnce sync.Once

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.selfID.Store(r.User.ID)
		d.cache.Replace(nil)
		d.resetEmotes()
		d.logger.Info("discord: ready", "bot", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
		onEvent()
	})
	session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		d.seedGuild(g.Guild)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		onEvent()
		ev, ok := d.convert(s.State, m.Message)
		if !ok || d.handler == nil {
			return
		}
		d.handler(ctx, ev)
	})
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		dropOnce.Do(func() { close(dropped) })
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.session = nil
		d.mu.Unlock()
		if err := session.Close(); err != nil {
			d.logger.Debug("discord: close failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("discord: disconnecting")
		return ctx.Err()
	case <-dropped:
		return fmt.Errorf("discord: gateway connection lost")
	}
}

// convert maps a gateway message to an inbound event. It reports false for
// messages the pipeline must not see.
func (d *Discord) convert(state *discordgo.State, m *discordgo.Message) (channels.InboundEvent, bool) {
	if m == nil || m.Author == nil {
		return channels.InboundEvent{}, false
	}
	self := d.CurrentSelfID()
	isSelf := self != "" && m.Author.ID == self
	if m.Author.Bot && !isSelf && d.cfg.IgnoreBots {
		return channels.InboundEvent{}, false
	}

	ev := channels.InboundEvent{
		Platform:     "discord",
		MessageID:    m.ID,
		ChannelID:    m.ChannelID,
		ChannelLabel: channelLabel(state, m.GuildID, m.ChannelID),
		SenderID:     m.Author.ID,
		SenderName:   memberName(state, m.GuildID, m.Member, m.Author),
		Text:         m.Content,
		Timestamp:    m.Timestamp,
		IsFromSelf:   isSelf,
		IsDirect:     m.GuildID == "",
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == self {
			ev.MentionsSelf = true
			break
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == self {
		ev.ReplyToSelf = true
	}
	return ev, true
}

// seedGuild adds every text channel of a guild to the roster, with the
// members the gateway delivered.
func (d *Discord) seedGuild(g *discordgo.Guild) {
	if g == nil {
		return
	}
	count := 0
	for _, ch := range g.Channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		jc := d.cache.GetOrCreateChannel(ch.ID, g.Name+"/"+ch.Name)
		for _, m := range g.Members {
			if m.User == nil || m.User.Bot {
				continue
			}
			jc.AddUser(m.User.ID, memberName(nil, g.ID, m, m.User))
		}
		count++
	}
	d.logger.Debug("discord: guild seeded", "guild", g.Name, "channels", count, "members", len(g.Members))
}

// SendMessage sends text, split into chunks of MaxMessageLength. The first
// chunk replies to replyTo; its id is returned.
func (d *Discord) SendMessage(ctx context.Context, channelID, text, replyTo string) (channels.SentMessage, error) {
	s, err := d.current()
	if err != nil {
		return channels.SentMessage{}, err
	}

	var first *discordgo.Message
	for i, chunk := range splitMessage(text, MaxMessageLength) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && replyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
		}
		msg, err := s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
		if err != nil {
			return channels.SentMessage{}, fmt.Errorf("discord: sending message: %w", err)
		}
		if first == nil {
			first = msg
		}
	}
	if first == nil {
		return channels.SentMessage{}, faults.Invalid("discord: empty message")
	}
	return channels.SentMessage{ID: first.ID, ChannelID: first.ChannelID, Timestamp: first.Timestamp}, nil
}

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, channelID string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// React adds a reaction. emoji is a unicode emoji or "name:id".
func (d *Discord) React(ctx context.Context, channelID, messageID, emoji string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

// SetStatus shows text as the bot's custom status.
func (d *Discord) SetStatus(_ context.Context, text string) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.UpdateCustomStatus(text)
}

// ResolveMention returns the display name of userID as seen in channelID.
func (d *Discord) ResolveMention(ctx context.Context, channelID, userID string) (string, error) {
	s, err := d.current()
	if err != nil {
		return "", err
	}

	guildID := ""
	if ch, err := s.State.Channel(channelID); err == nil {
		guildID = ch.GuildID
	}
	if guildID != "" {
		if m, err := s.State.Member(guildID, userID); err == nil {
			return memberName(nil, guildID, m, m.User), nil
		}
		if m, err := s.GuildMember(guildID, userID, discordgo.WithContext(ctx)); err == nil {
			return memberName(nil, guildID, m, m.User), nil
		}
	}
	u, err := s.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("%w: discord user %s: %w", faults.ErrUnresolvable, userID, err)
	}
	return memberName(nil, "", nil, u), nil
}

// Emotes returns the custom emotes of all joined guilds in reaction form.
// The list is loaded once per connection.
func (d *Discord) Emotes(context.Context) ([]string, error) {
	d.emoteMu.Lock()
	defer d.emoteMu.Unlock()
	if d.emotes != nil {
		return d.emotes, nil
	}
	s, err := d.current()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, g := range s.State.Guilds {
		for _, e := range g.Emojis {
			if e == nil || e.ID == "" {
				continue
			}
			out = append(out, e.APIName())
		}
	}
	if len(out) > 0 {
		d.emotes = out
	}
	return out, nil
}

func (d *Discord) resetEmotes() {
	d.emoteMu.Lock()
	d.emotes = nil
	d.emoteMu.Unlock()
}

// ---------- Helpers ----------

// memberName prefers the guild nickname, then the global display name,
// then the username. state may be nil.
func memberName(state *discordgo.State, guildID string, m *discordgo.Member, u *discordgo.User) string {
	if m == nil && state != nil && guildID != "" && u != nil {
		if sm, err := state.Member(guildID, u.ID); err == nil {
			m = sm
		}
	}
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// channelLabel renders "guild/channel", falling back to the channel id.
func channelLabel(state *discordgo.State, guildID, channelID string) string {
	if state == nil {
		return channelID
	}
	ch, err := state.Channel(channelID)
	if err != nil || ch.Name == "" {
		return channelID
	}
	if guildID == "" {
		return ch.Name
	}
	if g, err := state.Guild(guildID); err == nil && g.Name != "" {
		return g.Name + "/" + ch.Name
	}
	return ch.Name
}

// splitMessage splits text into chunks of at most maxLen runes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := maxLen
		if idx := lastIndexRune(runes[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

var bridgeOnce sync.Once

// bridgeLogger routes discordgo's package logger into slog.
func bridgeLogger(logger *slog.Logger) {
	bridgeOnce.Do(func() {
		discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
			level := slog.LevelDebug
			switch msgL {
			case discordgo.LogError:
				level = slog.LevelError
			case discordgo.LogWarning:
				level = slog.LevelWarn
			case discordgo.LogInformational:
				level = slog.LevelInfo
			}
			logger.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, a...)), "source", "discordgo")
		}
	})
}

// Compile-time interface verification.
var (
	_ channels.Platform      = (*Discord)(nil)
	_ channels.Reactor       = (*Discord)(nil)
	_ channels.StatusSetter  = (*Discord)(nil)
	_ channels.EmoteProvider = (*Discord)(nil)
)
