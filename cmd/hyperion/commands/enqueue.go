package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/queue"
)

// newEnqueueCmd creates the `hyperion enqueue` command.
func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <text...>",
		Short: "Write a document to the inbox (or outbox)",
		Long: `Write a message document by hand, as the bot (inbox) or the worker
(outbox) would. Useful to exercise the daemon or a delivery channel.

Examples:
  hyperion enqueue --chat-id 42 "what's on my calendar?"
  hyperion enqueue --outbox --source telegram --chat-id 42 "hello back"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runEnqueue,
	}
	cmd.Flags().String("chat-id", "", "destination chat id (required)")
	cmd.Flags().String("source", "", "channel name the document belongs to")
	cmd.Flags().String("user-id", "", "sender id")
	cmd.Flags().Bool("outbox", false, "write to the outbox instead of the inbox")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	chatID, _ := cmd.Flags().GetString("chat-id")
	source, _ := cmd.Flags().GetString("source")
	userID, _ := cmd.Flags().GetString("user-id")
	toOutbox, _ := cmd.Flags().GetBool("outbox")

	dir := cfg.Mailboxes.Inbox
	if toOutbox {
		dir = cfg.Mailboxes.Outbox
	}
	mb, err := queue.Open(dir)
	if err != nil {
		return err
	}

	id, err := mb.Enqueue(&queue.Document{
		Source: source,
		ChatID: queue.Ref(chatID),
		UserID: queue.Ref(userID),
		Text:   strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	fmt.Println(mb.Path(id))
	return nil
}
