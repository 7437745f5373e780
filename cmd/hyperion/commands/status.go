package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/daemon"
	"github.com/jholhewres/hyperion/pkg/hyperion/journal"
	"github.com/jholhewres/hyperion/pkg/hyperion/queue"
	"github.com/jholhewres/hyperion/pkg/hyperion/session"
)

// newStatusCmd creates the `hyperion status` command.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, session and recent worker runs",
		Long: `Show whether the daemon is running, the session identity, pending
documents in both mailboxes and the journal summary.

Examples:
  hyperion status
  hyperion status --recent 10`,
		RunE: runStatus,
	}
	cmd.Flags().Int("recent", 5, "number of recent worker runs to show")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	recent, _ := cmd.Flags().GetInt("recent")

	if configPath == "" {
		configPath = "(defaults)"
	}
	fmt.Printf("Config:     %s\n", configPath)
	fmt.Printf("Workspace:  %s\n", cfg.Workspace)

	daemonState := "stopped"
	if running, err := daemon.Running(cfg.LockPath()); err != nil {
		daemonState = "unknown (" + err.Error() + ")"
	} else if running {
		daemonState = "running"
	}
	fmt.Printf("Daemon:     %s\n", daemonState)

	store := session.NewStore(cfg.Workspace)
	if id, err := store.Load(); err == nil {
		fmt.Printf("Session:    %s\n", id)
	} else {
		fmt.Printf("Session:    none (first run pending)\n")
	}

	fmt.Println()
	for _, mb := range []struct{ name, dir string }{
		{"Inbox", cfg.Mailboxes.Inbox},
		{"Outbox", cfg.Mailboxes.Outbox},
	} {
		fmt.Printf("%-11s %s\n", mb.name+":", mailboxSummary(mb.dir))
	}

	if !cfg.Journal.Enabled {
		return nil
	}
	if _, err := os.Stat(cfg.JournalPath()); err != nil {
		fmt.Println("\nJournal:    empty")
		return nil
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sum, err := j.Summary(ctx)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	fmt.Println()
	fmt.Printf("Worker runs: %d (%d failed), %d documents processed, last %s\n",
		sum.Invocations, sum.FailedInvocations, sum.Processed, since(sum.LastInvocation))
	fmt.Printf("Deliveries:  %d (%d failed), last %s\n",
		sum.Deliveries, sum.FailedDeliveries, since(sum.LastDelivery))

	if recent <= 0 {
		return nil
	}
	runs, err := j.RecentInvocations(ctx, recent)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	if len(runs) > 0 {
		fmt.Println("\nRecent worker runs:")
	}
	for _, r := range runs {
		result := "ok"
		if !r.Success {
			result = r.Kind
		}
		fmt.Printf("  %s  %-7s  %-8s  %6s  %d→%d\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Mode, result, r.Duration.Round(time.Second), r.PendingBefore, r.PendingAfter)
		if r.Error != "" {
			fmt.Printf("      %s\n", r.Error)
		}
	}
	return nil
}

func mailboxSummary(dir string) string {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Sprintf("missing (%s)", dir)
	}
	mb, err := queue.Open(dir)
	if err != nil {
		return err.Error()
	}
	n, err := mb.Count()
	if err != nil {
		return err.Error()
	}
	summary := fmt.Sprintf("%d pending (%s)", n, dir)
	if dead, err := filepath.Glob(filepath.Join(dir, "dead", "*"+mb.Extension())); err == nil && len(dead) > 0 {
		summary += fmt.Sprintf(", %d quarantined", len(dead))
	}
	return summary
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
