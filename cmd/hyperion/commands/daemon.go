package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/daemon"
	"github.com/jholhewres/hyperion/pkg/hyperion/housekeeping"
	"github.com/jholhewres/hyperion/pkg/hyperion/session"
	"github.com/jholhewres/hyperion/pkg/hyperion/worker"
)

// newDaemonCmd creates the `hyperion daemon` command that runs the worker loop.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the worker loop that drains the inbox",
		Long: `Run the backend loop. On first start the worker is initialized with a new
session; afterwards the inbox is polled and the worker is invoked whenever
documents are pending. Repeated failures pause invocations for a cooldown.

Only one daemon may run per workspace.

Examples:
  hyperion daemon
  hyperion daemon --config ./hyperion.yaml -v`,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cmd, cfg, "daemon", false)
	if err != nil {
		return err
	}
	defer closeLog()

	lock, err := daemon.AcquireLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	inbox, outbox, err := openMailboxes(cfg, logger)
	if err != nil {
		return err
	}

	var opts []daemon.Option
	var pruner housekeeping.Pruner
	if j := openJournal(cfg, logger); j != nil {
		defer j.Close()
		opts = append(opts, daemon.WithRecorder(j))
		pruner = j
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hk := housekeeping.New(cfg.Housekeeping, []housekeeping.Mailbox{inbox, outbox}, pruner, logger)
	if err := hk.Start(ctx); err != nil {
		logger.Warn("housekeeping disabled", "error", err)
	} else {
		defer hk.Stop()
	}

	d := daemon.New(cfg.Daemon, inbox, worker.New(cfg.Worker, logger), session.NewStore(cfg.Workspace), logger, opts...)

	logger.Info("hyperion daemon starting",
		"config", configPath,
		"workspace", cfg.Workspace,
		"inbox", inbox.Dir(),
		"worker", cfg.Worker.Command,
	)

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
