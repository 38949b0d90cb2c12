package mentions

import (
	"fmt"
	"regexp"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

var (
	discordMention = regexp.MustCompile(`<@!?(\d+)>`)
	matrixUserID   = regexp.MustCompile(`@[a-zA-Z0-9._=/+\-]+:[a-zA-Z0-9\-]+(?:\.[a-zA-Z0-9\-]+)*(?::[0-9]+)?`)
)

func errUnresolvable(userID string) error {
	return fmt.Errorf("%w: user %s", faults.ErrUnresolvable, userID)
}

// DiscordSyntax handles <@id> and the legacy nickname form <@!id>.
type DiscordSyntax struct{}

// Find implements Syntax.
func (DiscordSyntax) Find(text string) []Span {
	var spans []Span
	for _, m := range discordMention.FindAllStringSubmatchIndex(text, -1) {
		spans = append(spans, Span{Start: m[0], End: m[1], UserID: text[m[2]:m[3]]})
	}
	return spans
}

// Format implements Syntax.
func (DiscordSyntax) Format(user roster.ChannelUser) string {
	return "<@" + user.ID + ">"
}

// MatrixSyntax handles full Matrix user ids (@localpart:server). The Matrix
// adapter converts HTML pills to ids on ingress and ids to pills on egress.
type MatrixSyntax struct{}

// Find implements Syntax.
func (MatrixSyntax) Find(text string) []Span {
	var spans []Span
	for _, m := range matrixUserID.FindAllStringIndex(text, -1) {
		// "mail@example.org:8448" is not a mention
		if m[0] > 0 && isWordByte(text[m[0]-1]) {
			continue
		}
		spans = append(spans, Span{Start: m[0], End: m[1], UserID: text[m[0]:m[1]]})
	}
	return spans
}

// Format implements Syntax.
func (MatrixSyntax) Format(user roster.ChannelUser) string {
	return user.ID
}

func isWordByte(b byte) bool {
	return b == '_' || b == '.' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
