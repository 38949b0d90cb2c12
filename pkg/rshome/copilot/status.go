package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/llm"
)

// StatusSettingKey holds the queue of pending status lines as a JSON array.
const StatusSettingKey = "status.messages"

const (
	statusBatchSize = 10
	maxStatusLength = 50
)

const statusPrompt = `Erfinde %d kurze, witzige Statuszeilen für einen Chat-Bot namens %s.
Eine pro Zeile, jeweils höchstens %d Zeichen, ohne Nummerierung und ohne Anführungszeichen.`

// SettingsStore is the key/value store the rotator keeps its queue in.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// StatusRotator shows the next queued status line on a platform and refills
// the queue from the language model when it runs dry.
type StatusRotator struct {
	setter   channels.StatusSetter
	settings SettingsStore
	llm      Completer
	limiter  Limiter
	botName  string
	logger   *slog.Logger

	mu sync.Mutex
}

// NewStatusRotator creates a rotator for one platform.
func NewStatusRotator(setter channels.StatusSetter, settings SettingsStore, completer Completer, limiter Limiter, botName string, logger *slog.Logger) *StatusRotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusRotator{
		setter:   setter,
		settings: settings,
		llm:      completer,
		limiter:  limiter,
		botName:  botName,
		logger:   logger.With("component", "status"),
	}
}

// Rotate pops the next status line and applies it.
func (s *StatusRotator) Rotate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.load(ctx)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		queue, err = s.generate(ctx)
		if err != nil {
			return err
		}
	}
	if len(queue) == 0 {
		return fmt.Errorf("%w: no status lines generated", faults.ErrBackendUnavailable)
	}

	next, rest := queue[0], queue[1:]
	if err := s.setter.SetStatus(ctx, next); err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	if err := s.save(ctx, rest); err != nil {
		return err
	}
	s.logger.Info("status rotated", "status", next, "remaining", len(rest))
	return nil
}

func (s *StatusRotator) load(ctx context.Context) ([]string, error) {
	raw, err := s.settings.GetSetting(ctx, StatusSettingKey)
	if errors.Is(err, faults.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading status queue: %w", err)
	}
	var queue []string
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		s.logger.Warn("discarding corrupt status queue", "error", err)
		return nil, nil
	}
	return queue, nil
}

func (s *StatusRotator) save(ctx context.Context, queue []string) error {
	if queue == nil {
		queue = []string{}
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encoding status queue: %w", err)
	}
	if err := s.settings.SetSetting(ctx, StatusSettingKey, string(raw)); err != nil {
		return fmt.Errorf("saving status queue: %w", err)
	}
	return nil
}

func (s *StatusRotator) generate(ctx context.Context) ([]string, error) {
	if s.llm == nil {
		return nil, fmt.Errorf("%w: no language model configured", faults.ErrBackendUnavailable)
	}
	if s.limiter != nil && !s.limiter.TryAcquire() {
		return nil, faults.ErrRateLimited
	}
	resp, err := s.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(statusPrompt, statusBatchSize, s.botName, maxStatusLength),
		}},
		MaxTokens: 400,
	})
	if err != nil {
		return nil, faults.Backend("generating status lines", err)
	}
	lines := parseStatusLines(resp.Content)
	s.logger.Info("generated status lines", "count", len(lines))
	return lines, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])?\s*`)

// parseStatusLines splits a model answer into usable status lines.
func parseStatusLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.Trim(line, `"„“`)
		line = strings.TrimSpace(line)
		if line == "" || utf8.RuneCountInString(line) > maxStatusLength {
			continue
		}
		out = append(out, line)
	}
	return out
}
