// Package commands implements the hyperion CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hyperion",
		Short: "Hyperion - chat bridge for a long-running worker session",
		Long: `Hyperion bridges chat channels (Telegram, Discord, WhatsApp, local console)
and a long-running worker session through two mailbox directories.

The bot writes incoming messages to the inbox and delivers replies from the
outbox; the daemon invokes the worker whenever the inbox is not empty.

Examples:
  hyperion daemon
  hyperion bot --channel telegram
  hyperion chat
  hyperion status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newDaemonCmd(),
		newBotCmd(),
		newChatCmd(),
		newStatusCmd(),
		newEnqueueCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
