package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/channels"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/console"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/discord"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/telegram"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/whatsapp"
	"github.com/jholhewres/hyperion/pkg/hyperion/config"
	"github.com/jholhewres/hyperion/pkg/hyperion/journal"
	"github.com/jholhewres/hyperion/pkg/hyperion/queue"
)

// resolveConfig loads the config named by --config, or the first one found
// in the standard locations, or the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, path, err := config.LoadOrDefault(configPath)
	if err != nil {
		if path != "" {
			return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging config. Records go
// to stdout and to the role's log file; quiet drops stdout so interactive
// commands keep the terminal to themselves. The returned func closes the
// log file.
func newLogger(cmd *cobra.Command, cfg *config.Config, role string, quiet bool) (*slog.Logger, func(), error) {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if cfg.Logging.Level != "" {
		if err := logLevel.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return nil, nil, fmt.Errorf("logging.level: %w", err)
		}
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	var writers []io.Writer
	if !quiet {
		writers = append(writers, os.Stdout)
	}
	closeFn := func() {}
	if path := cfg.LogFile(role); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closeFn = func() { _ = f.Close() }
	}
	out := io.Discard
	if len(writers) > 0 {
		out = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler).With("process", role), closeFn, nil
}

// openMailboxes opens (and creates) the inbox and outbox.
func openMailboxes(cfg *config.Config, logger *slog.Logger) (inbox, outbox *queue.Mailbox, err error) {
	inbox, err = queue.Open(cfg.Mailboxes.Inbox, queue.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	outbox, err = queue.Open(cfg.Mailboxes.Outbox, queue.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return inbox, outbox, nil
}

// openJournal opens the journal when enabled. Failures are logged and the
// caller continues without one.
func openJournal(cfg *config.Config, logger *slog.Logger) *journal.Journal {
	if !cfg.Journal.Enabled {
		return nil
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logger.Warn("journal unavailable, continuing without it", "path", cfg.JournalPath(), "error", err)
		return nil
	}
	return j
}

// shouldEnable checks if a channel should be enabled: the --channel filter
// wins over the config's enabled list.
func shouldEnable(name string, filter, enabled []string) bool {
	if len(filter) > 0 {
		return slices.Contains(filter, name)
	}
	return slices.Contains(enabled, name)
}

// buildChannel creates the named channel from the config.
func buildChannel(name string, cfg *config.Config, logger *slog.Logger) (channels.Channel, error) {
	switch name {
	case "telegram":
		if cfg.Channels.Telegram.Token == "" {
			return nil, fmt.Errorf("telegram: no bot token (hyperion config set-token telegram, or %s)", config.EnvTelegramToken)
		}
		return telegram.New(cfg.Channels.Telegram, logger), nil
	case "discord":
		if cfg.Channels.Discord.Token == "" {
			return nil, fmt.Errorf("discord: no bot token (hyperion config set-token discord, or %s)", config.EnvDiscordToken)
		}
		return discord.New(cfg.Channels.Discord, logger), nil
	case "whatsapp":
		return whatsapp.New(cfg.Channels.WhatsApp, logger), nil
	case "console":
		return console.New(cfg.Channels.Console, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", name)
	}
}
