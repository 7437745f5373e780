package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/hyperion/pkg/hyperion/config"
)

// newConfigCmd creates the `hyperion config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration and manage bot tokens",
		Long: `Show the effective configuration and manage the bot tokens kept in the
OS keyring.

Examples:
  hyperion config show
  hyperion config set-token telegram
  hyperion config delete-token discord`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetTokenCmd(),
		newConfigDeleteTokenCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (tokens masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			config.ResolveSecrets(cfg, nil)
			cfg.Channels.Telegram.Token = mask(cfg.Channels.Telegram.Token)
			cfg.Channels.Discord.Token = mask(cfg.Channels.Discord.Token)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			if path == "" {
				path = "defaults, no config file found"
			}
			fmt.Printf("# %s\n%s", path, data)
			return nil
		},
	}
}

func newConfigSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-token <telegram|discord>",
		Short:     "Store a bot token in the OS keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"telegram", "discord"},
		RunE: func(_ *cobra.Command, args []string) error {
			key, err := tokenKey(args[0])
			if err != nil {
				return err
			}
			token, err := config.ReadPassword(fmt.Sprintf("%s bot token (hidden input): ", args[0]))
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}
			if err := config.StoreSecret(key, token); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Printf("%s token stored in the OS keyring.\n", args[0])
			return nil
		},
	}
}

func newConfigDeleteTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete-token <telegram|discord>",
		Short:     "Remove a bot token from the OS keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"telegram", "discord"},
		RunE: func(_ *cobra.Command, args []string) error {
			key, err := tokenKey(args[0])
			if err != nil {
				return err
			}
			if err := config.DeleteSecret(key); err != nil {
				return fmt.Errorf("removing from keyring: %w", err)
			}
			fmt.Printf("%s token removed from the OS keyring.\n", args[0])
			return nil
		},
	}
}

func tokenKey(channel string) (string, error) {
	switch channel {
	case "telegram":
		return config.KeyTelegramToken, nil
	case "discord":
		return config.KeyDiscordToken, nil
	default:
		return "", fmt.Errorf("no token for channel %q (telegram or discord)", channel)
	}
}

// mask keeps the first and last characters of a secret.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}
