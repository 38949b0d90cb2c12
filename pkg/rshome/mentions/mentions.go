// Package mentions rewrites platform-native mention markup into the internal
// [[CanonicalName]] token syntax on the way in, and back on the way out.
package mentions

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// MaxBodyLength bounds an encoded message body in runes.
const MaxBodyLength = 300

// tokenPattern matches [[name]], optionally wrapped in backticks.
var tokenPattern = regexp.MustCompile("`?\\[\\[([^\\[\\]\\n]+?)\\]\\]`?")

// Span is one native mention found in a message.
type Span struct {
	Start  int
	End    int
	UserID string
}

// Syntax describes how a platform writes user mentions.
type Syntax interface {
	// Find returns the native mentions in text, ordered by position and non-overlapping.
	Find(text string) []Span
	// Format renders a native mention of user.
	Format(user roster.ChannelUser) string
}

// Resolver returns the display name of a mentioned user id.
type Resolver func(ctx context.Context, userID string) (string, error)

// Translator converts mentions for one platform.
type Translator struct {
	syntax Syntax
	logger *slog.Logger
}

// NewTranslator creates a translator for the given platform syntax.
func NewTranslator(syntax Syntax, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{syntax: syntax, logger: logger.With("component", "mentions")}
}

// Syntax returns the platform syntax the translator works with.
func (t *Translator) Syntax() Syntax { return t.syntax }

// EncodeMentions rewrites every native mention in text as [[CanonicalName]].
// Unknown users are resolved and added to the channel roster; mentions that
// cannot be resolved are removed. The result is truncated to MaxBodyLength.
func (t *Translator) EncodeMentions(ctx context.Context, ch *roster.JoinedChannel, text string, resolve Resolver) string {
	spans := t.syntax.Find(text)
	if len(spans) == 0 {
		return Truncate(text, MaxBodyLength)
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, sp := range spans {
		if sp.Start < last || sp.End > len(text) || sp.Start > sp.End {
			continue
		}
		b.WriteString(text[last:sp.Start])
		last = sp.End

		user, ok := ch.GetUser(sp.UserID)
		if !ok {
			name, err := t.resolve(ctx, resolve, sp.UserID)
			if err != nil {
				t.logger.Warn("dropping unresolvable mention",
					"channel", ch.ID, "user_id", sp.UserID, "error", err)
				continue
			}
			user = ch.AddUser(sp.UserID, name)
		}
		b.WriteString("[[")
		b.WriteString(user.CanonicalName)
		b.WriteString("]]")
	}
	b.WriteString(text[last:])

	return Truncate(b.String(), MaxBodyLength)
}

func (t *Translator) resolve(ctx context.Context, resolve Resolver, userID string) (string, error) {
	if resolve == nil {
		return "", errUnresolvable(userID)
	}
	name, err := resolve(ctx, userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", errUnresolvable(userID)
	}
	return name, nil
}

// DecodeMentions replaces [[name]] tokens in an LLM reply with native
// mentions of the matching roster users. Unknown names are replaced with the
// bare name. The second return value reports whether any native mention was
// written. DecodeMentions never fails; a nil channel decodes to bare names.
func (t *Translator) DecodeMentions(ch *roster.JoinedChannel, text string) (string, bool) {
	hasMentions := false
	out := tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		name := strings.TrimSpace(sub[1])
		if ch != nil {
			if user, ok := ch.FindByCanonical(name); ok {
				hasMentions = true
				return t.syntax.Format(user)
			}
		}
		channelID := ""
		if ch != nil {
			channelID = ch.ID
		}
		t.logger.Warn("mention target not in roster, using bare name",
			"channel", channelID, "name", name)
		return name
	})
	return out, hasMentions
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
