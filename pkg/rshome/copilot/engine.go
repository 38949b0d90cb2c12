// Package copilot – engine.go is the shared message pipeline of one platform
// worker. Ingestion (mention encoding, roster update, persistence) runs
// synchronously in arrival order; replies run on their own goroutines so a
// slow model call never blocks the next gateway event.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/history"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/naming"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// DefaultHistoryLimit is the number of stored messages fed to the model.
const DefaultHistoryLimit = 20

// MessageLog is the per-platform message history.
type MessageLog interface {
	Append(ctx context.Context, m history.Message) error
	Recent(ctx context.Context, channelID string, limit int) ([]history.Message, error)
	SelfTodayPlusLast(ctx context.Context, channelID string) ([]history.Message, error)
}

// Limiter admits or denies an operation without blocking.
type Limiter interface {
	TryAcquire() bool
}

// EngineConfig holds per-worker behaviour.
type EngineConfig struct {
	BotName      string `yaml:"bot_name"`
	SystemPrompt string `yaml:"system_prompt"`
	HistoryLimit int    `yaml:"history_limit"`

	// AdminID may start dialogues from chat with "!dialogue <n> [[[name]]]"
	// and end them with "!dialogue stop".
	AdminID string `yaml:"admin_id"`

	// MergeOwnHistory adds today's own messages to the context, for
	// platforms whose history sync omits them.
	MergeOwnHistory bool `yaml:"merge_own_history"`

	Reactions        bool          `yaml:"reactions"`
	ReactionCooldown time.Duration `yaml:"reaction_cooldown"`
	ReactionCeiling  float64       `yaml:"reaction_ceiling"`
}

// EngineDeps are the collaborators of an Engine.
type EngineDeps struct {
	Platform   channels.Platform
	Log        MessageLog
	Cache      *roster.Cache
	Translator *mentions.Translator
	Agent      *Agent
	// LLM is used directly for reaction picking. Optional.
	LLM     Completer
	Limiter Limiter
	Logger  *slog.Logger
}

// Engine is the response pipeline of one platform worker.
type Engine struct {
	platform   channels.Platform
	log        MessageLog
	cache      *roster.Cache
	translator *mentions.Translator
	agent      *Agent
	llm        Completer
	limiter    Limiter

	dialogue  *Dialogue
	policy    *Policy
	reactions *Reactions

	config  EngineConfig
	running atomic.Bool
	wg      sync.WaitGroup
	now     func() time.Time
	logger  *slog.Logger
}

// NewEngine wires an engine. Platform, Log, Agent and Limiter are required.
func NewEngine(deps EngineDeps, cfg EngineConfig) (*Engine, error) {
	switch {
	case deps.Platform == nil:
		return nil, faults.Invalid("engine needs a platform")
	case deps.Log == nil:
		return nil, faults.Invalid("engine needs a message log")
	case deps.Agent == nil:
		return nil, faults.Invalid("engine needs an agent")
	case deps.Limiter == nil:
		return nil, faults.Invalid("engine needs a rate limiter")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = roster.New()
	}
	logger := deps.Logger.With("component", "engine", "platform", deps.Platform.Name())
	if deps.Translator == nil {
		deps.Translator = mentions.NewTranslator(mentions.DiscordSyntax{}, logger)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.BotName == "" {
		cfg.BotName = "RSHome"
	}
	if cfg.ReactionCooldown == 0 {
		cfg.ReactionCooldown = DefaultReactionCooldown
	}

	dialogue := &Dialogue{}
	return &Engine{
		platform:   deps.Platform,
		log:        deps.Log,
		cache:      deps.Cache,
		translator: deps.Translator,
		agent:      deps.Agent,
		llm:        deps.LLM,
		limiter:    deps.Limiter,
		dialogue:   dialogue,
		policy:     NewPolicy(dialogue),
		reactions:  NewReactions(cfg.ReactionCooldown, cfg.ReactionCeiling),
		config:     cfg,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// Platform returns the platform this engine serves.
func (e *Engine) Platform() channels.Platform { return e.platform }

// Dialogue exposes the dialogue state.
func (e *Engine) Dialogue() *Dialogue { return e.dialogue }

// IsRunning reports whether the platform connection is up.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// SetRunning records the connection state.
func (e *Engine) SetRunning(v bool) { e.running.Store(v) }

// TextChannels returns a snapshot of the channel cache.
func (e *Engine) TextChannels() []roster.ChannelSnapshot { return e.cache.Snapshot() }

// Cache returns the channel cache, for adapters that resync it.
func (e *Engine) Cache() *roster.Cache { return e.cache }

// Wait blocks until all dispatched replies have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// OnInboundEvent ingests one message. It never panics and never blocks on
// the language model.
func (e *Engine) OnInboundEvent(ctx context.Context, ev channels.InboundEvent) {
	defer e.recoverEvent(ev)

	if ev.ChannelID == "" || ev.SenderID == "" {
		e.logger.Warn("dropping event without channel or sender", "message_id", ev.MessageID)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	ch := e.cache.GetOrCreateChannel(ev.ChannelID, ev.ChannelLabel)
	sender := ch.AddUser(ev.SenderID, ev.SenderName)
	body := e.translator.EncodeMentions(ctx, ch, ev.Text, func(ctx context.Context, userID string) (string, error) {
		return e.platform.ResolveMention(ctx, ev.ChannelID, userID)
	})

	if strings.TrimSpace(body) != "" && ev.MessageID != "" {
		err := e.log.Append(ctx, history.Message{
			ID:          ev.MessageID,
			Timestamp:   ev.Timestamp,
			SenderID:    ev.SenderID,
			SenderLabel: sender.CanonicalName,
			Body:        body,
			IsFromSelf:  ev.IsFromSelf,
			ChannelID:   ev.ChannelID,
		})
		if err != nil {
			e.logger.Warn("failed to persist message", "message_id", ev.MessageID, "channel", ev.ChannelID, "error", err)
		}
	}

	if ev.IsFromSelf {
		return
	}

	if e.config.AdminID != "" && ev.SenderID == e.config.AdminID && strings.HasPrefix(body, "!dialogue") {
		e.handleAdminCommand(ctx, ch, ev, body)
		return
	}

	decision := e.policy.ShouldRespond(ev)
	e.logger.Debug("policy decision", "message_id", ev.MessageID, "respond", decision.Respond, "reason", decision.Reason)
	if decision.Respond {
		e.dispatch(ev, func() { e.reply(ctx, ch, ev.ChannelID, ev.MessageID, "") })
		return
	}

	if e.config.Reactions && e.reactions.ShouldReact() {
		if reactor, ok := e.platform.(channels.Reactor); ok {
			e.dispatch(ev, func() { e.react(ctx, reactor, ev, body) })
		}
	}
}

// StartProactiveDialogue opens a conversation with userID in channelID and
// keeps replying to the next n messages.
func (e *Engine) StartProactiveDialogue(ctx context.Context, channelID, userID string, n int) error {
	ch, ok := e.cache.Channel(channelID)
	if !ok {
		return faults.NotFound("channel %s", channelID)
	}
	user, ok := ch.GetUser(userID)
	if !ok {
		return faults.NotFound("user %s in channel %s", userID, channelID)
	}
	if err := e.dialogue.Start(n); err != nil {
		return err
	}

	e.logger.Info("dialogue started", "channel", channelID, "user", user.CanonicalName, "turns", n)
	instruction := fmt.Sprintf("Beginne von dir aus ein Gespräch mit [[%s]]. Sprich die Person direkt an.", user.CanonicalName)
	e.dispatch(channels.InboundEvent{ChannelID: channelID}, func() {
		e.reply(ctx, ch, channelID, "", instruction)
	})
	return nil
}

// StopDialogue ends a running dialogue. It fails with ErrNotFound when none
// is running.
func (e *Engine) StopDialogue() error {
	n := e.dialogue.Stop()
	if n <= 0 {
		return faults.NotFound("running dialogue")
	}
	e.logger.Info("dialogue stopped", "turns_left", n)
	return nil
}

var dialogueCommand = regexp.MustCompile(`^!dialogue\s+(\d+)(?:\s+` + "`?" + `\[\[([^\[\]]+)\]\]` + "`?" + `)?`)

func (e *Engine) handleAdminCommand(ctx context.Context, ch *roster.JoinedChannel, ev channels.InboundEvent, body string) {
	body = strings.TrimSpace(body)
	if body == "!dialogue stop" {
		if err := e.StopDialogue(); err != nil {
			e.notify(ctx, ev, "Es läuft kein Dialog.")
			return
		}
		e.notify(ctx, ev, "Dialog beendet.")
		return
	}

	m := dialogueCommand.FindStringSubmatch(body)
	if m == nil {
		e.notify(ctx, ev, "Benutzung: !dialogue <anzahl> [[Name]] | !dialogue stop")
		return
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > MaxDialogueTurns {
		e.notify(ctx, ev, fmt.Sprintf("Höchstens %d Nachrichten.", MaxDialogueTurns))
		return
	}
	target := ev.SenderID
	if m[2] != "" {
		u, ok := ch.FindByCanonical(m[2])
		if !ok {
			e.notify(ctx, ev, fmt.Sprintf("Ich kenne niemanden namens %s.", m[2]))
			return
		}
		target = u.ID
	}

	err = e.StartProactiveDialogue(ctx, ev.ChannelID, target, n)
	switch {
	case errors.Is(err, faults.ErrAlreadyActive):
		e.notify(ctx, ev, fmt.Sprintf("Es läuft schon ein Dialog (%d übrig).", e.dialogue.Remaining()))
	case err != nil:
		e.notify(ctx, ev, "Dialog konnte nicht gestartet werden: "+err.Error())
	}
}

func (e *Engine) notify(ctx context.Context, ev channels.InboundEvent, text string) {
	if _, err := e.platform.SendMessage(ctx, ev.ChannelID, text, ev.MessageID); err != nil {
		e.logger.Warn("failed to send notice", "channel", ev.ChannelID, "error", err)
	}
}

// dispatch runs fn on its own goroutine, tracked by Wait.
func (e *Engine) dispatch(ev channels.InboundEvent, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.recoverEvent(ev)
		fn()
	}()
}

func (e *Engine) recoverEvent(ev channels.InboundEvent) {
	if p := recover(); p != nil {
		e.logger.Error("panic while handling event",
			"message_id", ev.MessageID,
			"channel", ev.ChannelID,
			"panic", p,
			"stack", string(debug.Stack()),
		)
	}
}

// reply generates and sends one answer in channelID. extra, if set, is
// appended as a final system instruction.
func (e *Engine) reply(ctx context.Context, ch *roster.JoinedChannel, channelID, replyTo, extra string) {
	if !e.limiter.TryAcquire() {
		e.logger.Info("reply skipped", "channel", channelID, "reason", faults.ErrRateLimited)
		return
	}
	if err := e.platform.SendTyping(ctx, channelID); err != nil {
		e.logger.Debug("typing indicator failed", "channel", channelID, "error", err)
	}

	transcript, err := e.transcript(ctx, ch)
	if err != nil {
		e.logger.Error("failed to load history", "channel", channelID, "error", err)
		return
	}
	if extra != "" {
		transcript = append(transcript, llm.Message{Role: llm.RoleSystem, Content: extra})
	}

	result, err := e.agent.Run(ctx, transcript)
	if err != nil {
		e.logger.Info("reply aborted", "channel", channelID, "error", err)
		return
	}
	if result.Fault != nil {
		e.logger.Warn("sending fallback reply", "channel", channelID, "fault", result.Fault)
	}

	text, hasMentions := e.translator.DecodeMentions(ch, result.Text)
	sent, err := e.platform.SendMessage(ctx, channelID, text, replyTo)
	if err != nil {
		e.logger.Error("failed to send reply", "channel", channelID, "error", err)
		return
	}
	e.logger.Info("reply sent", "channel", channelID, "message_id", sent.ID, "mentions", hasMentions, "tool_calls", result.ToolCalls)

	if sent.ID == "" {
		return
	}
	if sent.Timestamp.IsZero() {
		sent.Timestamp = e.now()
	}
	selfID := e.platform.CurrentSelfID()
	if selfID == "" {
		return
	}
	err = e.log.Append(ctx, history.Message{
		ID:          sent.ID,
		Timestamp:   sent.Timestamp,
		SenderID:    selfID,
		SenderLabel: e.selfLabel(),
		Body:        mentions.Truncate(result.Text, mentions.MaxBodyLength),
		IsFromSelf:  true,
		ChannelID:   channelID,
	})
	if err != nil {
		e.logger.Warn("failed to persist own reply", "message_id", sent.ID, "error", err)
	}
}

func (e *Engine) transcript(ctx context.Context, ch *roster.JoinedChannel) ([]llm.Message, error) {
	recent, err := e.log.Recent(ctx, ch.ID, e.config.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if e.config.MergeOwnHistory {
		own, err := e.log.SelfTodayPlusLast(ctx, ch.ID)
		if err != nil {
			e.logger.Warn("failed to load own messages", "channel", ch.ID, "error", err)
		} else {
			recent = mergeHistory(recent, own)
		}
	}

	label := ch.Label
	if label == "" {
		label = ch.ID
	}
	system := renderPrompt(e.config.SystemPrompt, promptData{
		Name:         e.selfLabel(),
		Channel:      label,
		Platform:     e.platform.Name(),
		Now:          e.now(),
		Participants: ch.Users(),
	})
	return toTranscript(system, recent), nil
}

func (e *Engine) selfLabel() string {
	if name := naming.Sanitize(e.config.BotName); name != "" {
		return name
	}
	return "RSHome"
}

const reactionPrompt = `Reagiere auf die folgende Chatnachricht mit genau einem Emoji.
Antworte nur mit dem Emoji-Kürzel im Format :name:, zum Beispiel :thumbsup: oder :joy:.`

// react adds an ambient emoji reaction. Failures are logged only.
func (e *Engine) react(ctx context.Context, reactor channels.Reactor, ev channels.InboundEvent, body string) {
	if e.llm == nil || ev.MessageID == "" {
		return
	}
	if !e.limiter.TryAcquire() {
		return
	}

	var emotes []string
	prompt := reactionPrompt
	if p, ok := e.platform.(channels.EmoteProvider); ok {
		list, err := p.Emotes(ctx)
		if err != nil {
			e.logger.Debug("emote lookup failed", "error", err)
		}
		emotes = list
		if len(emotes) > 0 {
			names := make([]string, len(emotes))
			for i, em := range emotes {
				names[i] = ":" + emoteName(em) + ":"
			}
			prompt += "\nEigene Emotes dieses Servers: " + strings.Join(names, " ")
		}
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: body},
		},
		MaxTokens: 10,
	})
	if err != nil {
		e.logger.Debug("reaction pick failed", "error", err)
		return
	}
	em := ResolveEmoji(resp.Content, emotes)
	if em == "" {
		e.logger.Debug("no usable emoji in answer", "answer", resp.Content)
		return
	}
	if err := reactor.React(ctx, ev.ChannelID, ev.MessageID, em); err != nil {
		e.logger.Warn("reaction failed", "channel", ev.ChannelID, "message_id", ev.MessageID, "error", err)
		return
	}
	e.logger.Info("reacted", "channel", ev.ChannelID, "message_id", ev.MessageID, "emoji", em)
}
