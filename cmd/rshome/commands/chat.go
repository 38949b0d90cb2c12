package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/narrensicher/rshome/pkg/rshome/channels/console"
	"github.com/narrensicher/rshome/pkg/rshome/mentions"
	"github.com/narrensicher/rshome/pkg/rshome/roster"
)

// newChatCmd creates the `rshome chat` command: the full pipeline against
// the terminal instead of a chat server.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal",
		Long: `Run the complete response pipeline with the terminal as platform. Every
line is a direct message, so the bot answers all of them. History is kept in
the configured database. Type /quit or press Ctrl+D to leave.

Examples:
  rshome chat
  rshome chat --name Gustaff`,
		RunE: runChat,
	}

	cmd.Flags().String("name", "", "your display name in the conversation")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs would interleave with the prompt; keep them off the terminal
	// unless asked for.
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	var logOut io.Writer = io.Discard
	if verbose {
		logOut = os.Stderr
	}

	rt, err := newRuntime(ctx, cmd, logOut)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg.Console
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.UserName = name
	}
	if cfg.BotName == "" {
		cfg.BotName = rt.cfg.Name
	}

	cache := roster.New()
	con := console.New(cfg, cache, os.Stdout, rt.logger)
	engCfg := rt.cfg.Engine
	engCfg.AdminID = console.UserID
	engCfg.Reactions = false
	eng, _, err := rt.newEngine(con, rt.store.Console(), cache, mentions.DiscordSyntax{}, engCfg)
	if err != nil {
		return err
	}
	con.SetHandler(eng.OnInboundEvent)

	fmt.Printf("%s ist bereit. /quit beendet das Gespräch.\n", cfg.BotName)
	eng.SetRunning(true)
	err = con.Connect(ctx, func() {})
	eng.SetRunning(false)
	eng.Wait()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
