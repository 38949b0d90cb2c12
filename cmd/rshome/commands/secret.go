package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/narrensicher/rshome/pkg/rshome/config"
)

// newSecretCmd creates `rshome secret` for managing keyring secrets.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
		Long: `Store credentials in the operating system keyring instead of the config
file. Keyring entries take precedence over environment variables and the
config file.

Names: ` + strings.Join(config.SecretNames(), ", ") + `

Examples:
  rshome secret set discord_token
  rshome secret list
  rshome secret delete discord_token`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:       "set <name>",
			Short:     "Store a secret (read without echo)",
			Args:      cobra.ExactArgs(1),
			ValidArgs: config.SecretNames(),
			RunE: func(_ *cobra.Command, args []string) error {
				value, err := readSecret(fmt.Sprintf("%s: ", args[0]))
				if err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty value, nothing stored")
				}
				if err := config.StoreSecret(args[0], value); err != nil {
					return err
				}
				fmt.Printf("%s stored in keyring (service %q)\n", args[0], config.KeyringService)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Show which secrets are stored",
			Args:  cobra.NoArgs,
			Run: func(_ *cobra.Command, _ []string) {
				for _, name := range config.SecretNames() {
					state := "-"
					if v := config.GetSecret(name); v != "" {
						state = mask(v)
					}
					fmt.Printf("%-24s %s\n", name, state)
				}
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.DeleteSecret(args[0]); err != nil {
					return err
				}
				fmt.Printf("%s removed\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// newHashPasswordCmd creates `rshome hash-password`, printing the bcrypt hash
// used as web.login_hash / WEB_LOGIN_HASH.
func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the web API login",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			first, err := readSecret("Password: ")
			if err != nil {
				return err
			}
			if first == "" {
				return fmt.Errorf("empty password")
			}
			if term.IsTerminal(int(os.Stdin.Fd())) {
				second, err := readSecret("Repeat: ")
				if err != nil {
					return err
				}
				if first != second {
					return fmt.Errorf("passwords do not match")
				}
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(first), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}
}

// readSecret reads a line without echo from a terminal, or plainly from a
// pipe.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// mask shows the first and last two characters of a secret.
func mask(s string) string {
	if len(s) <= 6 {
		return "******"
	}
	return s[:2] + "…" + s[len(s)-2:]
}
