// Package copilot – agent.go implements the tool-orchestration loop: call the
// language model, execute the tools it asks for, append their results and
// call again, until it produces text.
//
// Tool rounds are capped at MaxToolRounds. The loop never returns raw
// backend errors: every failure turns into a short fallback reply.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/tools"
)

// MaxToolRounds is the number of tool rounds one reply may use.
const MaxToolRounds = 3

// Fallback replies sent instead of backend errors.
const (
	RecursionLimitMessage = "Ich drehe mich im Kreis, lass uns das anders angehen. (recursion limit reached)"
	FallbackError         = "Da ist bei mir gerade etwas schiefgelaufen, versuch es später nochmal."
	FallbackLength        = "Das wurde mir zu lang, frag mich bitte etwas knapper."
	FallbackFiltered      = "Dazu sage ich lieber nichts."
	FallbackEmpty         = "Mir fällt dazu gerade nichts ein."
)

// Completer is the language-model backend.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ToolExecutor is the tool catalog.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall) tools.Result
}

// AgentConfig tunes the loop.
type AgentConfig struct {
	// MaxTokens is the output budget per call.
	MaxTokens int `yaml:"max_tokens"`

	// AnnotateToolUse appends " (🔧×N)" to replies that used N tools.
	AnnotateToolUse bool `yaml:"annotate_tool_use"`
}

// Reply is the outcome of one agent run.
type Reply struct {
	Text      string
	ToolCalls int
	Rounds    int
	LLMCalls  int

	// Fault is set when Text is a fallback. It wraps ErrBackendUnavailable
	// or ErrRecursionLimit.
	Fault error
}

// Agent runs the tool loop.
type Agent struct {
	llm    Completer
	tools  ToolExecutor
	config AgentConfig
	logger *slog.Logger
}

// NewAgent creates an agent. tools may be nil for a tool-less agent.
func NewAgent(completer Completer, executor ToolExecutor, cfg AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	return &Agent{
		llm:    completer,
		tools:  executor,
		config: cfg,
		logger: logger.With("component", "agent"),
	}
}

// Run answers the transcript. The returned error is non-nil only when ctx
// ends; every other failure yields a fallback Reply.
func (a *Agent) Run(ctx context.Context, transcript []llm.Message) (Reply, error) {
	messages := make([]llm.Message, len(transcript), len(transcript)+8)
	copy(messages, transcript)

	var defs []llm.ToolDefinition
	if a.tools != nil {
		defs = a.tools.Definitions()
	}

	var reply Reply
	runStart := time.Now()
	for {
		callStart := time.Now()
		resp, err := a.llm.Complete(ctx, llm.Request{
			Messages:  messages,
			Tools:     defs,
			MaxTokens: a.config.MaxTokens,
		})
		reply.LLMCalls++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return reply, ctxErr
			}
			a.logger.Error("LLM call failed", "round", reply.Rounds, "error", err)
			reply.Text = FallbackError
			reply.Fault = faults.Backend("chat completion", err)
			return reply, nil
		}

		a.logger.Info("LLM call complete",
			"round", reply.Rounds,
			"llm_ms", time.Since(callStart).Milliseconds(),
			"tool_calls", len(resp.ToolCalls),
			"finish_reason", resp.FinishReason,
		)

		if len(resp.ToolCalls) == 0 {
			reply.Text, reply.Fault = a.finish(resp, reply.ToolCalls)
			a.logger.Info("agent completed",
				"rounds", reply.Rounds,
				"tool_calls", reply.ToolCalls,
				"response_len", len(reply.Text),
				"run_ms", time.Since(runStart).Milliseconds(),
			)
			return reply, nil
		}

		if reply.Rounds >= MaxToolRounds || a.tools == nil {
			a.logger.Warn("tool recursion limit reached", "rounds", reply.Rounds, "tool_calls", reply.ToolCalls)
			reply.Text = RecursionLimitMessage
			reply.Fault = faults.ErrRecursionLimit
			return reply, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		names := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			names[i] = tc.Function.Name
		}
		a.logger.Info("executing tool calls", "count", len(resp.ToolCalls), "tools", strings.Join(names, ","), "round", reply.Rounds)

		// Sequential: each result must be in the transcript before the next call.
		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return reply, err
			}
			res := a.tools.Execute(ctx, tc)
			messages = append(messages, res.Message())
			reply.ToolCalls++
		}
		reply.Rounds++
	}
}

// finish turns a tool-free response into reply text. A non-nil fault means
// the text is a fallback.
func (a *Agent) finish(resp *llm.Response, toolCalls int) (string, error) {
	switch resp.FinishReason {
	case llm.FinishLength:
		a.logger.Warn("reply truncated by token budget", "max_tokens", a.config.MaxTokens)
		return FallbackLength, fmt.Errorf("%w: reply truncated", faults.ErrBackendUnavailable)
	case llm.FinishContentFilter:
		a.logger.Warn("reply withheld by content filter")
		return FallbackFiltered, fmt.Errorf("%w: content filtered", faults.ErrBackendUnavailable)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		a.logger.Warn("LLM returned no text")
		return FallbackEmpty, fmt.Errorf("%w: empty reply", faults.ErrBackendUnavailable)
	}
	if a.config.AnnotateToolUse && toolCalls > 0 {
		text = fmt.Sprintf("%s (🔧×%d)", text, toolCalls)
	}
	return text, nil
}

// IsFallback reports whether the reply carries a fallback text.
func (r Reply) IsFallback() bool {
	return r.Fault != nil
}

// IsRecursionLimit reports whether the run was cut off at the depth ceiling.
func (r Reply) IsRecursionLimit() bool {
	return errors.Is(r.Fault, faults.ErrRecursionLimit)
}
