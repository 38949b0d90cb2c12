package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/narrensicher/rshome/pkg/rshome/config"
)

// newSetupCmd creates `rshome setup`, an interactive wizard writing a
// starter config.yaml.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Asks for the bot name, platform credentials, the language-model key and
the web login, then writes config.yaml. Credentials can go to the OS
keyring instead of the file.

Examples:
  rshome setup
  rshome setup --output configs/config.yaml --force`,
		RunE: runSetup,
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "where to write the config")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

// setupAnswers collects the wizard input.
type setupAnswers struct {
	name string

	discord      bool
	discordToken string
	discordAdmin string

	matrix         bool
	matrixServer   string
	matrixUser     string
	matrixPassword string

	apiKey string
	model  string

	web         bool
	webPassword string

	keyring bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", out)
	}

	cfg := config.DefaultConfig()
	a := setupAnswers{name: cfg.Name, model: cfg.LLM.Model, keyring: true}
	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Bot name").Value(&a.name).Validate(required),
			huh.NewInput().Title("OpenAI API key").EchoMode(huh.EchoModePassword).Value(&a.apiKey).Validate(required),
			huh.NewInput().Title("Model").Value(&a.model).Validate(required),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Connect to Discord?").Value(&a.discord),
		),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&a.discordToken).Validate(required),
			huh.NewInput().Title("Discord admin user id (optional)").Value(&a.discordAdmin),
		).WithHideFunc(func() bool { return !a.discord }),
		huh.NewGroup(
			huh.NewConfirm().Title("Connect to Matrix?").Value(&a.matrix),
		),
		huh.NewGroup(
			huh.NewInput().Title("Homeserver URL").Placeholder("https://matrix.example.org").Value(&a.matrixServer).Validate(required),
			huh.NewInput().Title("User id").Placeholder("@rshome:example.org").Value(&a.matrixUser).Validate(required),
			huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&a.matrixPassword).Validate(required),
		).WithHideFunc(func() bool { return !a.matrix }),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable the web status API?").Value(&a.web),
		),
		huh.NewGroup(
			huh.NewInput().Title("Web login password").EchoMode(huh.EchoModePassword).Value(&a.webPassword).Validate(required),
		).WithHideFunc(func() bool { return !a.web }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Store credentials in the OS keyring?").
				Description("Otherwise they are written to the config file.").
				Value(&a.keyring),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if !a.discord && !a.matrix {
		return errors.New("enable at least one platform")
	}

	cfg.Name = a.name
	cfg.Console.BotName = a.name
	cfg.LLM.Model = a.model
	cfg.Discord.Enabled = a.discord
	cfg.Discord.AdminID = a.discordAdmin
	cfg.Matrix.Enabled = a.matrix
	cfg.Matrix.Homeserver = a.matrixServer
	cfg.Matrix.UserID = a.matrixUser
	cfg.Web.Enabled = a.web
	if a.web {
		hash, err := bcrypt.GenerateFromPassword([]byte(a.webPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		cfg.Web.LoginHash = string(hash)
	}

	secrets := map[string]*string{
		"openai_api_key":  &cfg.LLM.APIKey,
		"discord_token":   &cfg.Discord.Token,
		"matrix_password": &cfg.Matrix.Password,
	}
	values := map[string]string{
		"openai_api_key":  a.apiKey,
		"discord_token":   a.discordToken,
		"matrix_password": a.matrixPassword,
	}
	for name, value := range values {
		if value == "" {
			continue
		}
		if a.keyring {
			err := config.StoreSecret(name, value)
			if err == nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "keyring unavailable (%v), writing %s to the file\n", err, name)
		}
		*secrets[name] = value
	}

	if err := config.Save(cfg, out); err != nil {
		return err
	}
	fmt.Printf("Config written to %s. Start with: rshome serve\n", out)
	return nil
}
