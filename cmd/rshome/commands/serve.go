package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/narrensicher/rshome/pkg/rshome/channels/discord"
	"github.com/narrensicher/rshome/pkg/rshome/channels/matrix"
	"github.com/narrensicher/rshome/pkg/rshome/copilot"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/ratelimit"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
	"github.com/narrensicher/rshome/pkg/rshome/scheduler"
	"github.com/narrensicher/rshome/pkg/rshome/supervisor"
	"github.com/narrensicher/rshome/pkg/rshome/webapi"
)

// newServeCmd creates the `rshome serve` command that runs the bridge.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the enabled platforms and answer messages",
		Long: `Start RSHome as a long-running service. Every enabled platform gets its own
worker with a reconnecting connection supervisor. The web status API and
the status rotation run alongside.

Examples:
  rshome serve
  rshome serve --platform matrix
  rshome serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("platform", nil, "platforms to enable (discord, matrix)")
	return cmd
}

// worker is one platform with its engine and supervisor.
type worker struct {
	engine     *copilot.Engine
	supervisor *supervisor.Supervisor
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.cfg, rt.logger
	filter, _ := cmd.Flags().GetStringSlice("platform")
	if len(filter) > 0 {
		cfg.Discord.Enabled = cfg.Discord.Enabled && slices.Contains(filter, "discord")
		cfg.Matrix.Enabled = cfg.Matrix.Enabled && slices.Contains(filter, "matrix")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sched := scheduler.New(logger)
	var workers []worker

	// ── Discord ──
	if cfg.Discord.Enabled {
		cache := roster.New()
		d := discord.New(cfg.Discord, cache, logger)
		engCfg := cfg.Engine
		if engCfg.AdminID == "" {
			engCfg.AdminID = cfg.Discord.AdminID
		}
		eng, limiter, err := rt.newEngine(d, rt.store.Discord(), cache, mentions.DiscordSyntax{}, engCfg)
		if err != nil {
			return err
		}
		d.SetHandler(eng.OnInboundEvent)
		sup := supervisor.New("discord", d, cfg.Supervisor, logger)

		var onConnect func()
		if cfg.Status.Enabled {
			rotator := copilot.NewStatusRotator(d, rt.store, rt.llm, limiter, cfg.Name, logger)
			if err := sched.Add("status:discord", cfg.Status.Schedule, rotator.Rotate); err != nil {
				return err
			}
			onConnect = func() { go sched.RunNow("status:discord") }
		}
		sup.OnStateChange(stateHook(eng.SetRunning, onConnect))
		workers = append(workers, worker{engine: eng, supervisor: sup})
	}

	// ── Matrix ──
	if cfg.Matrix.Enabled {
		cache := roster.New()
		m := matrix.New(cfg.Matrix, cache, logger)
		engCfg := cfg.Engine
		engCfg.MergeOwnHistory = true
		eng, _, err := rt.newEngine(m, rt.store.Matrix(), cache, mentions.MatrixSyntax{}, engCfg)
		if err != nil {
			return err
		}
		m.SetHandler(eng.OnInboundEvent)
		sup := supervisor.New("matrix", m, cfg.Supervisor, logger)
		sup.OnStateChange(stateHook(eng.SetRunning, nil))
		workers = append(workers, worker{engine: eng, supervisor: sup})
	}

	var srv *webapi.Server
	if cfg.Web.Enabled {
		apiWorkers := make([]webapi.Worker, 0, len(workers))
		for _, w := range workers {
			apiWorkers = append(apiWorkers, w.engine)
		}
		srv, err = webapi.New(webapi.Config{
			Address:   cfg.Web.Address,
			User:      cfg.Web.User,
			LoginHash: cfg.Web.LoginHash,
		}, apiWorkers, ratelimit.MustNew(webapi.LoginCapacity, webapi.LoginWindow), logger)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Start ──
	sched.Start(ctx)

	var supWG sync.WaitGroup
	for _, w := range workers {
		supWG.Add(1)
		go func(w worker) {
			defer supWG.Done()
			err := w.supervisor.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("platform gave up", "platform", w.supervisor.Name(), "error", err)
			}
		}(w)
	}
	go func() {
		supWG.Wait()
		cancel()
	}()

	webDone := make(chan error, 1)
	if srv == nil {
		close(webDone)
	} else {
		go func() {
			defer close(webDone)
			if err := srv.Run(ctx); err != nil {
				webDone <- err
				cancel()
			}
		}()
	}

	logger.Info("RSHome running. Press Ctrl+C to stop.", "name", cfg.Name, "platforms", len(workers))

	// ── Wait for shutdown ──
	<-ctx.Done()
	logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		supWG.Wait()
		sched.Stop()
		for _, w := range workers {
			w.engine.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	if err, ok := <-webDone; ok && err != nil {
		return err
	}
	return nil
}

// stateHook mirrors the supervisor state into the engine's running flag and
// calls onConnect on every transition to connected.
func stateHook(setRunning func(bool), onConnect func()) func(supervisor.State) {
	return func(st supervisor.State) {
		connected := st == supervisor.StateConnected
		setRunning(connected)
		if connected && onConnect != nil {
			onConnect()
		}
	}
}
