package copilot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/history"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptedLLM answers every call through respond and records the requests.
type scriptedLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(n int, req llm.Request) (*llm.Response, error)
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	return s.respond(n, req)
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) last() llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func textLLM(text string) *scriptedLLM {
	return &scriptedLLM{respond: func(int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: text, FinishReason: llm.FinishStop}, nil
	}}
}

type sentMessage struct {
	channelID, text, replyTo string
}

// fakePlatform records everything the engine sends.
type fakePlatform struct {
	mu        sync.Mutex
	sent      []sentMessage
	typing    int
	reactions []string
	nextID    int
	names     map[string]string
	panicOn   string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{names: map[string]string{"999": "RSHome"}}
}

func (p *fakePlatform) Name() string { return "discord" }

func (p *fakePlatform) SendMessage(_ context.Context, channelID, text, replyTo string) (channels.SentMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.sent = append(p.sent, sentMessage{channelID: channelID, text: text, replyTo: replyTo})
	return channels.SentMessage{ID: strconv.Itoa(9000 + p.nextID), ChannelID: channelID, Timestamp: time.Now()}, nil
}

func (p *fakePlatform) SendTyping(context.Context, string) error {
	p.mu.Lock()
	p.typing++
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) ResolveMention(_ context.Context, _, userID string) (string, error) {
	if userID == p.panicOn {
		panic("resolver exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.names[userID]
	if !ok {
		return "", errors.New("no such user")
	}
	return name, nil
}

func (p *fakePlatform) CurrentSelfID() string { return "999" }

func (p *fakePlatform) React(_ context.Context, _, messageID, emoji string) error {
	p.mu.Lock()
	p.reactions = append(p.reactions, messageID+":"+emoji)
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) sentTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, s := range p.sent {
		out[i] = s.text
	}
	return out
}

// memLog is an in-memory MessageLog.
type memLog struct {
	mu   sync.Mutex
	msgs []history.Message
	own  []history.Message
}

func (l *memLog) Append(_ context.Context, m history.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.msgs {
		if existing.ID == m.ID {
			return nil
		}
	}
	l.msgs = append(l.msgs, m)
	return nil
}

func (l *memLog) Recent(_ context.Context, channelID string, limit int) ([]history.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []history.Message
	for _, m := range l.msgs {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (l *memLog) SelfTodayPlusLast(context.Context, string) ([]history.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.own, nil
}

func (l *memLog) all() []history.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]history.Message(nil), l.msgs...)
}
