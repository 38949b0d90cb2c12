package copilot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/ratelimit"
)

type engineFixture struct {
	engine   *Engine
	platform *fakePlatform
	log      *memLog
	llm      *scriptedLLM
}

func newEngineFixture(t *testing.T, backend *scriptedLLM, limiter Limiter, cfg EngineConfig) *engineFixture {
	t.Helper()
	if limiter == nil {
		limiter = ratelimit.MustNew(100, time.Minute)
	}
	f := &engineFixture{platform: newFakePlatform(), log: &memLog{}, llm: backend}
	engine, err := NewEngine(EngineDeps{
		Platform: f.platform,
		Log:      f.log,
		Agent:    NewAgent(backend, nil, AgentConfig{}, discard),
		LLM:      backend,
		Limiter:  limiter,
		Logger:   discard,
	}, cfg)
	require.NoError(t, err)
	f.engine = engine
	return f
}

var msgSeq int

func message(channelID, senderID, senderName, text string) channels.InboundEvent {
	msgSeq++
	return channels.InboundEvent{
		Platform:   "discord",
		MessageID:  "m" + strconv.Itoa(msgSeq),
		ChannelID:  channelID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  time.Now(),
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineDeps{}, EngineConfig{})
	assert.True(t, errors.Is(err, faults.ErrInvalidArgument))
}

func TestEngineProactiveDialogue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newEngineFixture(t, textLLM("Hallo [[Alice]]"), nil, EngineConfig{})
	ctx := context.Background()

	f.engine.OnInboundEvent(ctx, message("100", "42", "Alice", "hi zusammen"))
	f.engine.Wait()
	assert.Empty(t, f.platform.sentTexts(), "no mention, no dialogue")

	require.NoError(t, f.engine.StartProactiveDialogue(ctx, "100", "42", 3))
	f.engine.Wait()
	assert.Equal(t, []string{"Hallo <@42>"}, f.platform.sentTexts())

	err := f.engine.StartProactiveDialogue(ctx, "100", "42", 3)
	assert.True(t, errors.Is(err, faults.ErrAlreadyActive))

	for i := 0; i < 4; i++ {
		f.engine.OnInboundEvent(ctx, message("100", "42", "Alice", "und weiter"))
		f.engine.Wait()
	}
	assert.Len(t, f.platform.sentTexts(), 4, "opener plus three dialogue replies")
	assert.Zero(t, f.engine.Dialogue().Remaining())
}

func TestEngineProactiveDialogueNotFound(t *testing.T) {
	f := newEngineFixture(t, textLLM("x"), nil, EngineConfig{})
	ctx := context.Background()

	err := f.engine.StartProactiveDialogue(ctx, "nope", "42", 2)
	assert.True(t, errors.Is(err, faults.ErrNotFound))

	f.engine.OnInboundEvent(ctx, message("100", "42", "Alice", "hi"))
	err = f.engine.StartProactiveDialogue(ctx, "100", "77", 2)
	assert.True(t, errors.Is(err, faults.ErrNotFound))
	assert.Zero(t, f.engine.Dialogue().Remaining())
}

func TestEngineMentionRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newEngineFixture(t, textLLM("Klar, [[Bob]] weiß das."), nil, EngineConfig{BotName: "RSHome"})
	f.platform.names["7"] = "Bob"
	ctx := context.Background()

	ev := message("100", "42", "Alice", "<@999> frag mal <@7>")
	ev.MentionsSelf = true
	f.engine.OnInboundEvent(ctx, ev)
	f.engine.Wait()

	stored := f.log.all()
	require.NotEmpty(t, stored)
	assert.Equal(t, "[[RSHome]] frag mal [[Bob]]", stored[0].Body)
	assert.Equal(t, "Alice", stored[0].SenderLabel)

	assert.Equal(t, []string{"Klar, <@7> weiß das."}, f.platform.sentTexts())

	// the model saw the encoded message as a named user turn
	msgs := f.llm.last().Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "Alice", last.Name)
	assert.Equal(t, "[[RSHome]] frag mal [[Bob]]", last.Content)
}

func TestEnginePersistsOwnReply(t *testing.T) {
	f := newEngineFixture(t, textLLM("Moin"), nil, EngineConfig{BotName: "RSHome"})
	ctx := context.Background()

	ev := message("100", "42", "Alice", "hallo")
	ev.IsDirect = true
	f.engine.OnInboundEvent(ctx, ev)
	f.engine.Wait()

	stored := f.log.all()
	require.Len(t, stored, 2)
	own := stored[1]
	assert.True(t, own.IsFromSelf)
	assert.Equal(t, "9001", own.ID)
	assert.Equal(t, "999", own.SenderID)
	assert.Equal(t, "RSHome", own.SenderLabel)
	assert.Equal(t, "Moin", own.Body)

	// the echo of our own message is deduplicated and ignored
	echo := channels.InboundEvent{
		MessageID: "9001", ChannelID: "100", SenderID: "999", SenderName: "RSHome",
		Text: "Moin", IsFromSelf: true, Timestamp: time.Now(),
	}
	f.engine.OnInboundEvent(ctx, echo)
	f.engine.Wait()
	assert.Len(t, f.log.all(), 2)
	assert.Equal(t, 1, f.llm.calls())
}

func TestEngineTruncatesStoredReply(t *testing.T) {
	long := strings.Repeat("ä", mentions.MaxBodyLength+120)
	f := newEngineFixture(t, textLLM(long), nil, EngineConfig{BotName: "RSHome"})

	ev := message("100", "42", "Alice", "erzähl was")
	ev.IsDirect = true
	f.engine.OnInboundEvent(context.Background(), ev)
	f.engine.Wait()

	assert.Equal(t, []string{long}, f.platform.sentTexts())
	stored := f.log.all()
	require.Len(t, stored, 2)
	assert.Equal(t, mentions.MaxBodyLength, utf8.RuneCountInString(stored[1].Body))
}

func TestEngineRateLimited(t *testing.T) {
	f := newEngineFixture(t, textLLM("ok"), ratelimit.MustNew(1, time.Hour), EngineConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := message("100", "42", "Alice", "<@999> ping")
		ev.MentionsSelf = true
		f.engine.OnInboundEvent(ctx, ev)
		f.engine.Wait()
	}
	assert.Equal(t, 1, f.llm.calls())
	assert.Len(t, f.platform.sentTexts(), 1)
	// every inbound message is still stored
	assert.Len(t, f.log.all(), 4)
}

func TestEngineRecoversFromPanics(t *testing.T) {
	f := newEngineFixture(t, textLLM("ok"), nil, EngineConfig{})
	f.platform.panicOn = "13"
	ctx := context.Background()

	assert.NotPanics(t, func() {
		f.engine.OnInboundEvent(ctx, message("100", "42", "Alice", "wer ist <@13>?"))
		f.engine.Wait()
	})

	ev := message("100", "42", "Alice", "<@999> noch da?")
	ev.MentionsSelf = true
	f.engine.OnInboundEvent(ctx, ev)
	f.engine.Wait()
	assert.Equal(t, []string{"ok"}, f.platform.sentTexts())
}

func TestEngineAdminDialogueCommand(t *testing.T) {
	f := newEngineFixture(t, textLLM("Na [[Alice]]?"), nil, EngineConfig{AdminID: "1"})
	ctx := context.Background()

	f.engine.OnInboundEvent(ctx, message("100", "42", "Alice", "hi"))

	// non-admins cannot start dialogues
	f.engine.OnInboundEvent(ctx, message("100", "42", "Alice", "!dialogue 2 <@42>"))
	f.engine.Wait()
	assert.Zero(t, f.engine.Dialogue().Remaining())

	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue 2 <@42>"))
	f.engine.Wait()
	assert.Equal(t, 2, f.engine.Dialogue().Remaining())
	assert.Equal(t, []string{"Na <@42>?"}, f.platform.sentTexts())

	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue 5"))
	f.engine.Wait()
	texts := f.platform.sentTexts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "schon ein Dialog")

	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue [[Nobody]]"))
	f.engine.Wait()
	texts = f.platform.sentTexts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[2], "Benutzung")
}

func TestEngineAdminDialogueLengthAndStop(t *testing.T) {
	f := newEngineFixture(t, textLLM("Hallo"), nil, EngineConfig{AdminID: "1"})
	ctx := context.Background()

	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue 99999999999999999999"))
	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue 2147483648"))
	f.engine.Wait()
	assert.Zero(t, f.engine.Dialogue().Remaining())
	texts := f.platform.sentTexts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Höchstens")
	assert.Contains(t, texts[1], "Höchstens")

	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue stop"))
	f.engine.Wait()
	texts = f.platform.sentTexts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[2], "kein Dialog")

	// a rejected length leaves dialogue mode usable
	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue 3"))
	f.engine.Wait()
	assert.Equal(t, 3, f.engine.Dialogue().Remaining())

	f.engine.OnInboundEvent(ctx, message("100", "1", "Admin", "!dialogue stop"))
	f.engine.Wait()
	assert.Zero(t, f.engine.Dialogue().Remaining())
	texts = f.platform.sentTexts()
	assert.Equal(t, "Dialog beendet.", texts[len(texts)-1])

	assert.True(t, errors.Is(f.engine.StopDialogue(), faults.ErrNotFound))
}

func TestEngineAmbientReaction(t *testing.T) {
	f := newEngineFixture(t, textLLM(":thumbsup:"), nil, EngineConfig{Reactions: true})
	f.engine.reactions.roll = func() float64 { return 0 }
	f.engine.reactions.last = time.Now().Add(-time.Hour)
	ctx := context.Background()

	ev := message("100", "42", "Alice", "Ich hab Kuchen mitgebracht")
	f.engine.OnInboundEvent(ctx, ev)
	f.engine.Wait()

	assert.Empty(t, f.platform.sentTexts())
	f.platform.mu.Lock()
	defer f.platform.mu.Unlock()
	assert.Equal(t, []string{ev.MessageID + ":👍"}, f.platform.reactions)
}

func TestEngineTextChannels(t *testing.T) {
	f := newEngineFixture(t, textLLM("ok"), nil, EngineConfig{})
	ctx := context.Background()

	ev := message("100", "42", "Alice", "hi")
	ev.ChannelLabel = "allgemein"
	f.engine.OnInboundEvent(ctx, ev)
	f.engine.OnInboundEvent(ctx, message("100", "7", "Bob", "hey"))

	snap := f.engine.TextChannels()
	require.Len(t, snap, 1)
	assert.Equal(t, "allgemein", snap[0].Label)
	assert.Len(t, snap[0].Users, 2)

	f.engine.SetRunning(true)
	assert.True(t, f.engine.IsRunning())
}
