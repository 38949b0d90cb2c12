// Package commands implements the rshome CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rshome",
		Short: "RSHome - chat bridge between Discord, Matrix and a language model",
		Long: `RSHome joins Discord guilds and Matrix rooms as a regular member and answers
when it is mentioned, replied to or in an active dialogue.

Examples:
  rshome serve
  rshome serve --platform discord
  rshome chat
  rshome secret set openai_api_key
  rshome hash-password`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newSecretCmd(),
		newHashPasswordCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
