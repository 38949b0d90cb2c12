// Package matrix implements the Matrix platform using mautrix.
//
// Inbound HTML pills are reduced to plain user ids so the mention translator
// sees one syntax; outbound user ids are rendered back as pills with an
// m.mentions block. Invites are accepted automatically.
package matrix

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// ReplayWindow is how old an event may be, relative to connecting, before it
// counts as history replay and is ignored.
const ReplayWindow = 10 * time.Second

const (
	typingTimeout  = 30 * time.Second
	matrixToPrefix = "https://matrix.to/#/"
)

// Config holds Matrix configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`

	// AccessToken skips the password login when set.
	AccessToken string `yaml:"access_token"`
	DeviceName  string `yaml:"device_name"`

	// LogLevel is the zerolog level of the client library.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{DeviceName: "rshome", LogLevel: "warn"}
}

// Matrix implements channels.Platform, channels.Reactor and supervisor.Connector.
type Matrix struct {
	cfg     Config
	cache   *roster.Cache
	logger  *slog.Logger
	handler channels.EventHandler

	mu     sync.RWMutex
	client *mautrix.Client
	token  string
	selfID id.UserID

	labelMu sync.Mutex
	labels  map[id.RoomID]string

	now func() time.Time
}

// New creates a Matrix platform. cache receives the room rosters.
func New(cfg Config, cache *roster.Cache, logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = roster.New()
	}
	return &Matrix{
		cfg:    cfg,
		cache:  cache,
		logger: logger.With("component", "matrix"),
		token:  cfg.AccessToken,
		labels: make(map[id.RoomID]string),
		now:    time.Now,
	}
}

// SetHandler sets the receiver of inbound events. Call before Connect.
func (m *Matrix) SetHandler(h channels.EventHandler) { m.handler = h }

// Name returns "matrix".
func (m *Matrix) Name() string { return "matrix" }

// CurrentSelfID returns the logged-in user id.
func (m *Matrix) CurrentSelfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return string(m.selfID)
}

func (m *Matrix) current() (*mautrix.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, fmt.Errorf("%w: matrix is not connected", faults.ErrGatewayFault)
	}
	return m.client, nil
}

// clientLogger builds the zerolog logger handed to mautrix.
func (m *Matrix) clientLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(m.cfg.LogLevel)
	if err != nil || m.cfg.LogLevel == "" {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("component", "mautrix").Logger()
}

// Connect logs in (first time only), syncs and blocks until the sync loop
// fails or ctx ends. onEvent is called after every sync response.
func (m *Matrix) Connect(ctx context.Context, onEvent func()) error {
	if m.cfg.Homeserver == "" || m.cfg.UserID == "" {
		return faults.Invalid("matrix: homeserver and user id are required")
	}
	if m.token == "" && m.cfg.Password == "" {
		return faults.Invalid("matrix: password or access token is required")
	}

	client, err := mautrix.NewClient(m.cfg.Homeserver, id.UserID(m.cfg.UserID), m.token)
	if err != nil {
		return fmt.Errorf("matrix: creating client: %w", err)
	}
	client.Log = m.clientLogger()

	if m.token == "" {
		resp, err := client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: m.cfg.UserID,
			},
			Password:                 m.cfg.Password,
			InitialDeviceDisplayName: m.cfg.DeviceName,
			StoreCredentials:         true,
		})
		if err != nil {
			return fmt.Errorf("matrix: login: %w", err)
		}
		m.token = resp.AccessToken
		m.logger.Info("matrix: logged in", "user", resp.UserID, "device", resp.DeviceID)
	}

	m.mu.Lock()
	m.client = client
	m.selfID = client.UserID
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.client = nil
		m.mu.Unlock()
	}()

	connectedAt := m.now()
	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer %T", client.Syncer)
	}
	syncer.OnSync(func(context.Context, *mautrix.RespSync, string) bool {
		onEvent()
		return true
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		m.onMember(ctx, client, evt)
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if time.UnixMilli(evt.Timestamp).Before(connectedAt.Add(-ReplayWindow)) {
			return
		}
		ev, ok := m.convert(ctx, evt, func(eventID id.EventID) id.UserID {
			replied, err := client.GetEvent(ctx, evt.RoomID, eventID)
			if err != nil {
				return ""
			}
			return replied.Sender
		})
		if !ok || m.handler == nil {
			return
		}
		m.handler(ctx, ev)
	})

	m.logger.Info("matrix: syncing", "user", client.UserID)
	err = client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return fmt.Errorf("matrix: sync stopped")
	}
	return fmt.Errorf("matrix: sync: %w", err)
}

// onMember joins rooms we are invited to and keeps rosters current.
func (m *Matrix) onMember(ctx context.Context, client *mautrix.Client, evt *event.Event) {
	content := evt.Content.AsMember()
	target := id.UserID(evt.GetStateKey())

	switch {
	case content.Membership == event.MembershipInvite && target == client.UserID:
		if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			m.logger.Warn("matrix: joining room failed", "channel", evt.RoomID, "error", err)
			return
		}
		m.logger.Info("matrix: joined room", "channel", evt.RoomID, "inviter", evt.Sender)
	case content.Membership == event.MembershipJoin && target != "":
		name := content.Displayname
		if name == "" {
			name = target.Localpart()
		}
		ch := m.cache.GetOrCreateChannel(string(evt.RoomID), m.roomLabel(ctx, client, evt.RoomID))
		ch.AddUser(string(target), name)
	}
}

// convert maps a room message to an inbound event. replySender looks up
// the sender of a replied-to event.
func (m *Matrix) convert(ctx context.Context, evt *event.Event, replySender func(id.EventID) id.UserID) (channels.InboundEvent, bool) {
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return channels.InboundEvent{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return channels.InboundEvent{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		// edits are not new messages
		return channels.InboundEvent{}, false
	}

	self := id.UserID(m.CurrentSelfID())
	ev := channels.InboundEvent{
		Platform:   "matrix",
		MessageID:  string(evt.ID),
		ChannelID:  string(evt.RoomID),
		SenderID:   string(evt.Sender),
		SenderName: m.displayName(ctx, evt.RoomID, evt.Sender),
		Text:       messageText(content),
		Timestamp:  time.UnixMilli(evt.Timestamp),
		IsFromSelf: evt.Sender == self,
	}
	if client, err := m.current(); err == nil {
		ev.ChannelLabel = m.roomLabel(ctx, client, evt.RoomID)
	}

	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == self {
				ev.MentionsSelf = true
			}
		}
	}
	if !ev.MentionsSelf && self != "" && strings.Contains(ev.Text, string(self)) {
		ev.MentionsSelf = true
	}
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" && replySender != nil {
		ev.ReplyToSelf = replySender(replyTo) == self
	}
	return ev, true
}

func (m *Matrix) displayName(ctx context.Context, room id.RoomID, user id.UserID) string {
	if ch, ok := m.cache.Channel(string(room)); ok {
		if u, ok := ch.GetUser(string(user)); ok {
			return u.DisplayName
		}
	}
	if client, err := m.current(); err == nil {
		if resp, err := client.GetDisplayName(ctx, user); err == nil && resp.DisplayName != "" {
			return resp.DisplayName
		}
	}
	return user.Localpart()
}

func (m *Matrix) roomLabel(ctx context.Context, client *mautrix.Client, room id.RoomID) string {
	m.labelMu.Lock()
	defer m.labelMu.Unlock()
	if label, ok := m.labels[room]; ok {
		return label
	}
	label := string(room)
	var content event.RoomNameEventContent
	if err := client.StateEvent(ctx, room, event.StateRoomName, "", &content); err == nil && content.Name != "" {
		label = content.Name
	}
	m.labels[room] = label
	return label
}

// SendMessage sends text with user ids rendered as pills.
func (m *Matrix) SendMessage(ctx context.Context, channelID, text, replyTo string) (channels.SentMessage, error) {
	client, err := m.current()
	if err != nil {
		return channels.SentMessage{}, err
	}
	content := m.outgoing(channelID, text)
	if replyTo != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(replyTo))
	}
	resp, err := client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content)
	if err != nil {
		return channels.SentMessage{}, fmt.Errorf("matrix: sending message: %w", err)
	}
	return channels.SentMessage{ID: string(resp.EventID), ChannelID: channelID, Timestamp: m.now()}, nil
}

// outgoing builds the message content for text, turning user ids into pills.
func (m *Matrix) outgoing(channelID, text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	spans := mentions.MatrixSyntax{}.Find(text)
	if len(spans) == 0 {
		return content
	}

	ch, _ := m.cache.Channel(channelID)
	var b, plain strings.Builder
	var users []id.UserID
	last := 0
	for _, sp := range spans {
		b.WriteString(html.EscapeString(text[last:sp.Start]))
		plain.WriteString(text[last:sp.Start])
		last = sp.End

		uid := id.UserID(sp.UserID)
		name := uid.Localpart()
		if ch != nil {
			if u, ok := ch.GetUser(sp.UserID); ok && u.DisplayName != "" {
				name = u.DisplayName
			}
		}
		fmt.Fprintf(&b, `<a href="%s%s">%s</a>`, matrixToPrefix, uid, html.EscapeString(name))
		plain.WriteString(name)
		users = append(users, uid)
	}
	b.WriteString(html.EscapeString(text[last:]))
	plain.WriteString(text[last:])

	content.Body = plain.String()
	content.Format = event.FormatHTML
	content.FormattedBody = b.String()
	content.Mentions = &event.Mentions{UserIDs: users}
	return content
}

// SendTyping shows a typing indicator in the room.
func (m *Matrix) SendTyping(ctx context.Context, channelID string) error {
	client, err := m.current()
	if err != nil {
		return err
	}
	_, err = client.UserTyping(ctx, id.RoomID(channelID), true, typingTimeout)
	return err
}

// React annotates a message with emoji.
func (m *Matrix) React(ctx context.Context, channelID, messageID, emoji string) error {
	client, err := m.current()
	if err != nil {
		return err
	}
	_, err = client.SendReaction(ctx, id.RoomID(channelID), id.EventID(messageID), emoji)
	return err
}

// ResolveMention returns the room display name of userID.
func (m *Matrix) ResolveMention(ctx context.Context, channelID, userID string) (string, error) {
	client, err := m.current()
	if err != nil {
		return "", err
	}
	members, err := client.JoinedMembers(ctx, id.RoomID(channelID))
	if err == nil {
		if member, ok := members.Joined[id.UserID(userID)]; ok && member.DisplayName != "" {
			return member.DisplayName, nil
		}
	}
	resp, err := client.GetDisplayName(ctx, id.UserID(userID))
	if err != nil {
		return "", fmt.Errorf("%w: matrix user %s: %w", faults.ErrUnresolvable, userID, err)
	}
	return resp.DisplayName, nil
}

// ---------- Helpers ----------

var (
	pillPattern  = regexp.MustCompile(`<a href="https://matrix\.to/#/((?:@|%40)[^"/?]+)[^"]*">[^<]*</a>`)
	replyPattern = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
	brPattern    = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// messageText returns the plain text of a message with pills reduced to user
// ids and reply fallbacks removed.
func messageText(content *event.MessageEventContent) string {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		body := replyPattern.ReplaceAllString(content.FormattedBody, "")
		body = pillPattern.ReplaceAllStringFunc(body, func(pill string) string {
			sub := pillPattern.FindStringSubmatch(pill)
			uid, err := unescapeUserID(sub[1])
			if err != nil {
				return pill
			}
			return uid
		})
		body = brPattern.ReplaceAllString(body, "\n")
		body = tagPattern.ReplaceAllString(body, "")
		return strings.TrimSpace(html.UnescapeString(body))
	}
	return stripReplyFallback(content.Body)
}

func unescapeUserID(s string) (string, error) {
	s = strings.ReplaceAll(s, "%40", "@")
	s = strings.ReplaceAll(s, "%3A", ":")
	s = strings.ReplaceAll(s, "%3a", ":")
	if _, _, err := id.UserID(s).Parse(); err != nil {
		return "", err
	}
	return s, nil
}

// stripReplyFallback drops the quoted "> " lines of a plain-text reply.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// Compile-time interface verification.
var (
	_ channels.Platform = (*Matrix)(nil)
	_ channels.Reactor  = (*Matrix)(nil)
)
