// Package tools holds the catalog of functions the language model may call
// and dispatches the calls it requests.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
	"github.com/narrensicher/rshome/pkg/rshome/naming"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// HandlerFunc executes a tool with its raw JSON arguments.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one callable function.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     HandlerFunc
}

// New builds a tool whose parameter schema is derived from the argument
// struct T. Field descriptions come from `jsonschema` struct tags.
func New[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (Tool, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return Tool{}, fmt.Errorf("deriving schema for %s: %w", name, err)
	}
	params, err := json.Marshal(schema)
	if err != nil {
		return Tool{}, fmt.Errorf("encoding schema for %s: %w", name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args T
			if len(strings.TrimSpace(string(raw))) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", faults.Invalid("arguments for %s: %v", name, err)
				}
			}
			return fn(ctx, args)
		},
	}, nil
}

// Result is the outcome of one tool call, ready to be appended to the
// transcript as a tool message.
type Result struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
}

// Message converts the result into a transcript entry.
func (r Result) Message() llm.Message {
	return llm.Message{Role: llm.RoleTool, Content: r.Content, ToolCallID: r.ToolCallID}
}

// Registry is the tool catalog.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty catalog.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultTimeout,
		logger:  logger.With("component", "tools"),
	}
}

// SetTimeout changes the per-call timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds a tool. Names must be valid function names and unique.
func (r *Registry) Register(t Tool) error {
	if !naming.IsValidToken(t.Name) {
		return faults.Invalid("invalid tool name %q", t.Name)
	}
	if t.Handler == nil {
		return faults.Invalid("tool %s has no handler", t.Name)
	}
	if len(t.Parameters) == 0 {
		t.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return faults.Invalid("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.logger.Debug("tool registered", "tool", t.Name)
	return nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the catalog in the wire format, sorted by name so
// requests are stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Execute runs one tool call. It never fails: unknown tools, bad arguments,
// handler errors and panics all become a descriptive result for the model.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (res Result) {
	name := call.Function.Name
	res = Result{ToolCallID: call.ID, Name: name}

	r.mu.RLock()
	tool, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		res.Err = faults.NotFound("tool %s", name)
		res.Content = "unknown tool: " + name
		r.logger.Warn("unknown tool called", "tool", name)
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
			res.Content = fmt.Sprintf("tool %s failed: %v", name, res.Err)
			r.logger.Error("tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Handler(ctx, json.RawMessage(call.Function.Arguments))
	if err != nil {
		res.Err = err
		res.Content = fmt.Sprintf("tool %s failed: %v", name, err)
		r.logger.Warn("tool failed", "tool", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return res
	}

	res.Content = out
	r.logger.Info("tool executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "result_len", len(out))
	return res
}
