// Package supervisor keeps one platform connection alive. It reconnects with
// exponential backoff and gives up after a bounded number of retries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// State is the connection state of a supervised platform.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFaulted      State = "faulted"
	StateStopped      State = "stopped"
)

// ErrStopped is returned by Run once the retry budget is exhausted.
var ErrStopped = errors.New("supervisor stopped")

// Connector opens one connection and blocks until it ends. It calls onEvent
// for every event received; the first call marks the connection as healthy.
// A nil return means the stream ended cleanly.
type Connector interface {
	Connect(ctx context.Context, onEvent func()) error
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, onEvent func()) error

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, onEvent func()) error { return f(ctx, onEvent) }

// Config controls the backoff.
type Config struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// MaxRetries bounds consecutive failed reconnects. Zero selects the
	// default; a negative value retries forever.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns the standard backoff settings.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxDelay:     2 * time.Minute,
		MaxRetries:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Supervisor runs a Connector until the context ends or retries run out.
type Supervisor struct {
	name      string
	connector Connector
	cfg       Config
	logger    *slog.Logger

	mu       sync.RWMutex
	state    State
	retries  int
	onChange []func(State)
}

// New creates a supervisor for the named platform.
func New(name string, connector Connector, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:      name,
		connector: connector,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "supervisor", "platform", name),
		state:     StateDisconnected,
	}
}

// Name returns the supervised platform name.
func (s *Supervisor) Name() string { return s.name }

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Retries returns the number of reconnects since the last healthy connection.
func (s *Supervisor) Retries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries
}

// OnStateChange registers fn to be called on every state transition. It must
// be called before Run.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	hooks := s.onChange
	s.mu.Unlock()

	if prev == st {
		return
	}
	s.logger.Debug("state changed", "state", st, "previous", prev)
	for _, fn := range hooks {
		fn(st)
	}
}

func (s *Supervisor) setRetries(n int) {
	s.mu.Lock()
	s.retries = n
	s.mu.Unlock()
}

// Run connects and reconnects until ctx is cancelled, which returns
// ctx.Err(), or the retry budget is exhausted, which returns an error
// wrapping ErrStopped. Both end in StateStopped.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.cfg.InitialDelay
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateStopped)
			return err
		}

		var healthy atomic.Bool
		s.setState(StateConnecting)
		s.logger.Info("connecting", "attempt", retries+1)
		start := time.Now()

		err := s.connector.Connect(ctx, func() {
			if healthy.CompareAndSwap(false, true) {
				s.setRetries(0)
				s.setState(StateConnected)
			}
		})

		if ctx.Err() != nil {
			s.logger.Info("connection closed on shutdown")
			s.setState(StateStopped)
			return ctx.Err()
		}

		if healthy.Load() {
			retries = 0
			delay = s.cfg.InitialDelay
		}

		if err != nil {
			err = fmt.Errorf("%w: %w", faults.ErrGatewayFault, err)
			s.logger.Warn("connection failed",
				"error", err,
				"duration_ms", time.Since(start).Milliseconds())
			s.setState(StateFaulted)
		} else {
			err = fmt.Errorf("%w: connection ended", faults.ErrGatewayFault)
			s.logger.Info("connection ended",
				"duration_ms", time.Since(start).Milliseconds())
			s.setState(StateDisconnected)
		}

		if s.cfg.MaxRetries >= 0 && retries >= s.cfg.MaxRetries {
			s.logger.Error("max reconnect attempts reached", "retries", retries)
			s.setState(StateStopped)
			return fmt.Errorf("%w after %d retries: %w", ErrStopped, retries, err)
		}

		retries++
		s.setRetries(retries)
		s.logger.Info("reconnecting", "attempt", retries, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Debug("reconnect cancelled during backoff")
			s.setState(StateStopped)
			return ctx.Err()
		case <-timer.C:
		}

		delay = min(time.Duration(float64(delay)*s.cfg.Multiplier), s.cfg.MaxDelay)
	}
}
