package copilot

import (
	"sort"
	"strings"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/history"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/naming"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// DefaultSystemPrompt is used when no prompt is configured. Placeholders:
// {name}, {channel}, {platform}, {time}, {participants}.
const DefaultSystemPrompt = `Du bist {name}, ein Mitglied im Kanal "{channel}" auf {platform}.
Antworte kurz, locker und auf Deutsch, höchstens zwei Sätze.
Um jemanden zu erwähnen, schreibe seinen Namen in doppelten eckigen Klammern, z.B. [[Name]].
Bekannte Teilnehmer: {participants}.
Aktuelle Zeit: {time}.`

// promptData fills the system prompt placeholders.
type promptData struct {
	Name         string
	Channel      string
	Platform     string
	Now          time.Time
	Participants []roster.ChannelUser
}

func renderPrompt(tmpl string, d promptData) string {
	if tmpl == "" {
		tmpl = DefaultSystemPrompt
	}
	names := make([]string, 0, len(d.Participants))
	for _, u := range d.Participants {
		names = append(names, "[["+u.CanonicalName+"]]")
	}
	participants := strings.Join(names, ", ")
	if participants == "" {
		participants = "-"
	}
	return strings.NewReplacer(
		"{name}", d.Name,
		"{channel}", d.Channel,
		"{platform}", d.Platform,
		"{time}", d.Now.Format("Monday, 02.01.2006 15:04"),
		"{participants}", participants,
	).Replace(tmpl)
}

// mergeHistory combines recent messages with reconstructed own messages,
// dropping duplicates and keeping ascending time order.
func mergeHistory(recent, own []history.Message) []history.Message {
	if len(own) == 0 {
		return recent
	}
	seen := make(map[string]bool, len(recent)+len(own))
	merged := make([]history.Message, 0, len(recent)+len(own))
	for _, set := range [][]history.Message{recent, own} {
		for _, m := range set {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// toTranscript converts stored messages into chat turns. Own messages become
// assistant turns; others are user turns named by their canonical name.
func toTranscript(system string, msgs []history.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range msgs {
		if m.IsFromSelf {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Body})
			continue
		}
		out = append(out, llm.Message{
			Role:    llm.RoleUser,
			Content: m.Body,
			Name:    naming.Sanitize(m.SenderLabel),
		})
	}
	return out
}
