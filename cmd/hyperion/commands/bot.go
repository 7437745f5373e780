package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/adapter"
	"github.com/jholhewres/hyperion/pkg/hyperion/bridge"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
	"github.com/jholhewres/hyperion/pkg/hyperion/config"
	"github.com/jholhewres/hyperion/pkg/hyperion/housekeeping"
)

// newBotCmd creates the `hyperion bot` command that runs the chat front end.
func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the chat front end",
		Long: `Connect to the enabled chat channels, write incoming messages to the inbox
and deliver replies that appear in the outbox.

Examples:
  hyperion bot
  hyperion bot --channel telegram --channel discord`,
		RunE: runBot,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord, whatsapp, console)")
	return cmd
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cmd, cfg, "bot", false)
	if err != nil {
		return err
	}
	defer closeLog()

	config.ResolveSecrets(cfg, logger)

	filter, _ := cmd.Flags().GetStringSlice("channel")
	var chans []channels.Channel
	for _, name := range config.ChannelNames {
		if !shouldEnable(name, filter, cfg.Channels.Enabled) {
			continue
		}
		ch, err := buildChannel(name, cfg, logger)
		if err != nil {
			logger.Error("channel not available", "channel", name, "error", err)
			continue
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 {
		return fmt.Errorf("no channel could be configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fe, err := startFrontEnd(ctx, cfg, chans, logger)
	if err != nil {
		return err
	}

	logger.Info("hyperion bot running. Press Ctrl+C to stop.", "channels", len(chans))
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")
	fe.shutdown()
	return nil
}

// frontEnd is the running bot: runtime, adapter, outbox watcher and
// housekeeping.
type frontEnd struct {
	adapter *adapter.Adapter
	hk      *housekeeping.Scheduler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []func() error
	logger  *slog.Logger
}

// startFrontEnd wires the chat side together. Tasks touching the channels
// all run on one runtime goroutine; the watcher only hands work over to it.
func startFrontEnd(parent context.Context, cfg *config.Config, chans []channels.Channel, logger *slog.Logger) (*frontEnd, error) {
	inbox, outbox, err := openMailboxes(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	fe := &frontEnd{cancel: cancel, logger: logger}

	var watcherOpts []bridge.WatcherOption
	if j := openJournal(cfg, logger); j != nil {
		fe.closers = append(fe.closers, j.Close)
		watcherOpts = append(watcherOpts, bridge.WithDeliveryRecorder(j))
	}

	rt := bridge.NewRuntime(bridge.DefaultQueueSize, logger)
	fe.goRun(func() error { return rt.Run(ctx) })
	<-rt.Ready()

	fe.adapter = adapter.New(cfg.Adapter, inbox, rt, logger)
	for _, ch := range chans {
		if err := fe.adapter.Register(ch); err != nil {
			logger.Error("failed to register channel", "channel", ch.Name(), "error", err)
		}
	}
	if err := fe.adapter.Start(ctx); err != nil {
		fe.shutdown()
		return nil, err
	}

	w := bridge.NewWatcher(outbox, rt, fe.adapter, cfg.Bridge, logger, watcherOpts...)
	fe.goRun(func() error { return w.Run(ctx) })

	fe.hk = housekeeping.New(cfg.Housekeeping, []housekeeping.Mailbox{inbox, outbox}, nil, logger)
	if err := fe.hk.Start(ctx); err != nil {
		logger.Warn("housekeeping disabled", "error", err)
		fe.hk = nil
	}

	logger.Info("front end started", "inbox", inbox.Dir(), "outbox", outbox.Dir())
	return fe, nil
}

func (fe *frontEnd) goRun(fn func() error) {
	fe.wg.Add(1)
	go func() {
		defer fe.wg.Done()
		if err := fn(); err != nil {
			fe.logger.Error("front end component stopped", "error", err)
		}
	}()
}

// shutdown stops everything, waiting at most 10s.
func (fe *frontEnd) shutdown() {
	done := make(chan struct{})
	go func() {
		if fe.hk != nil {
			fe.hk.Stop()
		}
		fe.cancel()
		if fe.adapter != nil {
			fe.adapter.Stop()
		}
		fe.wg.Wait()
		for _, c := range fe.closers {
			_ = c()
		}
		close(done)
	}()

	select {
	case <-done:
		fe.logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		fe.logger.Warn("shutdown timed out after 10s, forcing exit")
	}
}
