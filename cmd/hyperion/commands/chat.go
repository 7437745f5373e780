package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/console"
)

// newChatCmd creates the `hyperion chat` command: a local terminal channel.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the worker session from the terminal",
		Long: `Start an interactive prompt. Each line is written to the inbox as a
message from the local user and replies are printed as they arrive. The
daemon must be running to answer. Replies are taken from the shared outbox,
so do not run it alongside "hyperion bot".

Type /quit or press Ctrl+D to leave.

Examples:
  hyperion chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cmd, cfg, "chat", true)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	con := console.New(cfg.Channels.Console, logger)
	fe, err := startFrontEnd(ctx, cfg, []channels.Channel{con}, logger)
	if err != nil {
		return err
	}
	defer fe.shutdown()

	fmt.Fprintf(os.Stdout, "Hyperion chat. Inbox: %s\nType /quit to leave.\n\n", cfg.Mailboxes.Inbox)

	select {
	case <-con.Done():
	case <-ctx.Done():
	}
	return nil
}
