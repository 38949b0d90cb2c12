package copilot

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/kenshaw/emoji"
)

// Reaction chance curve, in minutes since the last reaction.
const (
	reactionMinMinutes     = 1.0
	reactionCeilingMinutes = 40.0
	reactionMidpoint       = 20.0
	reactionSteepness      = 0.25

	DefaultReactionCeiling  = 0.2
	DefaultReactionCooldown = 5 * time.Minute
)

// ReactionChance returns the probability of an ambient reaction after
// minutes without one: 0 below one minute, ceiling from 40 minutes on and a
// logistic curve in between.
func ReactionChance(minutes, ceiling float64) float64 {
	switch {
	case minutes < reactionMinMinutes:
		return 0
	case minutes >= reactionCeilingMinutes:
		return ceiling
	}
	return ceiling / (1 + math.Exp(-reactionSteepness*(minutes-reactionMidpoint)))
}

// Reactions gates ambient emoji reactions with a cooldown and the chance curve.
type Reactions struct {
	mu       sync.Mutex
	last     time.Time
	cooldown time.Duration
	ceiling  float64

	now  func() time.Time
	roll func() float64
}

// NewReactions creates a gate. The clock starts at construction time so
// nothing fires right after startup.
func NewReactions(cooldown time.Duration, ceiling float64) *Reactions {
	if cooldown < 0 {
		cooldown = 0
	}
	if ceiling <= 0 || ceiling > 1 {
		ceiling = DefaultReactionCeiling
	}
	r := &Reactions{
		cooldown: cooldown,
		ceiling:  ceiling,
		now:      time.Now,
		roll:     rand.Float64,
	}
	r.last = r.now()
	return r
}

// ShouldReact rolls the dice and, on success, restarts the clock.
func (r *Reactions) ShouldReact() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.last)
	if elapsed < r.cooldown {
		return false
	}
	if r.roll() >= ReactionChance(elapsed.Minutes(), r.ceiling) {
		return false
	}
	r.last = now
	return true
}

// ResolveEmoji maps the model's answer to something a platform can react
// with: a unicode emoji, a :shortcode: alias, or one of the custom emotes.
// It returns "" when nothing matches.
func ResolveEmoji(answer string, emotes []string) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ""
	}
	if fields := strings.Fields(answer); len(fields) > 0 {
		answer = fields[0]
	}

	alias := strings.Trim(answer, ":")
	for _, e := range emotes {
		if strings.EqualFold(e, answer) || strings.EqualFold(emoteName(e), alias) {
			return e
		}
	}
	if e := emoji.FromAlias(alias); e != nil {
		return e.Emoji
	}
	if e := emoji.FromCode(answer); e != nil {
		return e.Emoji
	}
	return ""
}

// emoteName extracts the name of a custom emote in "name:id" or "<:name:id>" form.
func emoteName(e string) string {
	e = strings.Trim(e, "<>")
	e = strings.TrimPrefix(e, "a:")
	e = strings.TrimPrefix(e, ":")
	if i := strings.IndexByte(e, ':'); i >= 0 {
		return e[:i]
	}
	return e
}
