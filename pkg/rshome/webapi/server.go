// Package webapi serves the bridge's HTTP status surface: health, worker
// status, joined channels and proactive dialogues.
//
// Every route except /health requires HTTP basic auth. The password is
// checked against a bcrypt hash and every login attempt passes a shared
// leaky bucket, so guessing is throttled to a few attempts per window.
package webapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/narrensicher/rshome/pkg/rshome/channels"
	"github.com/narrensicher/rshome/pkg/rshome/faults"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// Login attempts admitted per LoginWindow.
const (
	LoginCapacity = 3
	LoginWindow   = 10 * time.Second
)

// Worker is the view of one platform worker the API needs.
type Worker interface {
	Platform() channels.Platform
	IsRunning() bool
	TextChannels() []roster.ChannelSnapshot
	StartProactiveDialogue(ctx context.Context, channelID, userID string, n int) error
	StopDialogue() error
}

// Limiter admits or denies a login attempt.
type Limiter interface {
	TryAcquire() bool
}

// Config configures the server.
type Config struct {
	Address   string
	User      string
	LoginHash string
}

// Server is the echo-based status server.
type Server struct {
	echo    *echo.Echo
	addr    string
	user    string
	hash    []byte
	limiter Limiter
	workers map[string]Worker
	logger  *slog.Logger

	// base outlives single requests; dialogues started over HTTP run on it.
	base context.Context
}

// New builds the server. The limiter guards login attempts.
func New(cfg Config, workers []Worker, limiter Limiter, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoginHash == "" {
		return nil, faults.Invalid("web login hash is required")
	}
	if _, err := bcrypt.Cost([]byte(cfg.LoginHash)); err != nil {
		return nil, faults.Invalid("web login hash: %v", err)
	}
	if limiter == nil {
		return nil, faults.Invalid("web login limiter is required")
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.User == "" {
		cfg.User = "admin"
	}

	s := &Server{
		addr:    cfg.Address,
		user:    cfg.User,
		hash:    []byte(cfg.LoginHash),
		limiter: limiter,
		workers: make(map[string]Worker, len(workers)),
		logger:  logger.With("component", "webapi"),
		base:    context.Background(),
	}
	for _, w := range workers {
		s.workers[w.Platform().Name()] = w
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		},
		Validator: s.validate,
		Realm:     "rshome",
	}))

	e.GET("/health", s.handleHealth)
	api := e.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/channels/:platform", s.handleChannels)
	api.POST("/dialogue", s.handleDialogue)
	api.DELETE("/dialogue/:platform", s.handleStopDialogue)

	s.echo = e
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx ends, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web api listening", "address", s.addr)
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web api shutdown: %w", err)
	}
	<-errCh
	return nil
}

// validate checks one basic-auth attempt.
func (s *Server) validate(user, password string, c echo.Context) (bool, error) {
	if !s.limiter.TryAcquire() {
		s.logger.Warn("login rate limited", "remote_ip", c.RealIP())
		return false, echo.NewHTTPError(http.StatusTooManyRequests, "too many login attempts")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) == 1
	passOK := bcrypt.CompareHashAndPassword(s.hash, []byte(password)) == nil
	if !userOK || !passOK {
		s.logger.Warn("login failed", "user", user, "remote_ip", c.RealIP())
		return false, nil
	}
	return true, nil
}

// ---------- Handlers ----------

type platformStatus struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Channels int    `json:"channels"`
}

type dialogueRequest struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Messages  int    `json:"messages"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	out := make([]platformStatus, 0, len(s.workers))
	for name, w := range s.workers {
		out = append(out, platformStatus{
			Name:     name,
			Running:  w.IsRunning(),
			Channels: len(w.TextChannels()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return c.JSON(http.StatusOK, map[string]any{"platforms": out})
}

func (s *Server) handleChannels(c echo.Context) error {
	w, ok := s.workers[c.Param("platform")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}
	return c.JSON(http.StatusOK, w.TextChannels())
}

func (s *Server) handleDialogue(c echo.Context) error {
	var req dialogueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ChannelID == "" || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id and user_id are required")
	}
	w, ok := s.workers[req.Platform]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}

	if err := w.StartProactiveDialogue(s.base, req.ChannelID, req.UserID, req.Messages); err != nil {
		return httpError(err)
	}
	s.logger.Info("dialogue started over http",
		"platform", req.Platform, "channel", req.ChannelID, "user", req.UserID, "messages", req.Messages)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleStopDialogue(c echo.Context) error {
	w, ok := s.workers[c.Param("platform")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}
	if err := w.StopDialogue(); err != nil {
		return httpError(err)
	}
	s.logger.Info("dialogue stopped over http", "platform", c.Param("platform"))
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

// httpError maps error kinds to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, faults.ErrAlreadyActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, faults.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
