// Package channels defines the capability surface a chat platform exposes to
// the response pipeline. Adapters live in the discord, matrix and console
// subpackages.
package channels

import (
	"context"
	"time"
)

// InboundEvent is one message received from a platform, already reduced to
// platform-neutral fields. Text keeps the platform's native mention syntax.
type InboundEvent struct {
	Platform     string
	MessageID    string
	ChannelID    string
	ChannelLabel string
	SenderID     string
	SenderName   string
	Text         string
	Timestamp    time.Time

	IsFromSelf   bool
	MentionsSelf bool
	ReplyToSelf  bool
	IsDirect     bool
}

// SentMessage describes a message the platform accepted.
type SentMessage struct {
	ID        string
	ChannelID string
	Timestamp time.Time
}

// Platform is what the pipeline needs from a chat platform.
type Platform interface {
	// Name identifies the platform ("discord", "matrix", "console").
	Name() string

	// SendMessage posts text to a channel. replyTo may be empty.
	SendMessage(ctx context.Context, channelID, text, replyTo string) (SentMessage, error)

	// SendTyping shows a typing indicator in the channel.
	SendTyping(ctx context.Context, channelID string) error

	// ResolveMention returns the display name of a mentioned user.
	ResolveMention(ctx context.Context, channelID, userID string) (string, error)

	// CurrentSelfID returns the bot's own user id, empty before login.
	CurrentSelfID() string
}

// Reactor is implemented by platforms that support emoji reactions.
type Reactor interface {
	React(ctx context.Context, channelID, messageID, emoji string) error
}

// StatusSetter is implemented by platforms that show a custom status line.
type StatusSetter interface {
	SetStatus(ctx context.Context, text string) error
}

// EmoteProvider is implemented by platforms with custom emotes. Each entry is
// in the form the platform accepts for reactions.
type EmoteProvider interface {
	Emotes(ctx context.Context) ([]string, error)
}

// EventHandler receives inbound events from a platform connection.
type EventHandler func(ctx context.Context, ev InboundEvent)
