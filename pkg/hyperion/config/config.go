// Package config defines the hyperion configuration file, its defaults and
// the derived paths shared by the daemon and the bot.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/jholhewres/hyperion/pkg/hyperion/adapter"
	"github.com/jholhewres/hyperion/pkg/hyperion/bridge"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/console"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/discord"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/telegram"
	"github.com/jholhewres/hyperion/pkg/hyperion/channels/whatsapp"
	"github.com/jholhewres/hyperion/pkg/hyperion/daemon"
	"github.com/jholhewres/hyperion/pkg/hyperion/housekeeping"
	"github.com/jholhewres/hyperion/pkg/hyperion/journal"
	"github.com/jholhewres/hyperion/pkg/hyperion/worker"
)

// Config is the root configuration.
type Config struct {
	// Workspace holds the session file, journal, lock and logs. It is also
	// the worker's working directory unless worker.workdir is set.
	Workspace string `yaml:"workspace"`

	Mailboxes    MailboxConfig        `yaml:"mailboxes"`
	Daemon       daemon.Config        `yaml:"daemon"`
	Worker       worker.Config        `yaml:"worker"`
	Bridge       bridge.WatcherConfig `yaml:"bridge"`
	Adapter      adapter.Config       `yaml:"adapter"`
	Channels     ChannelsConfig       `yaml:"channels"`
	Journal      JournalConfig        `yaml:"journal"`
	Housekeeping housekeeping.Config  `yaml:"housekeeping"`
	Logging      LoggingConfig        `yaml:"logging"`
}

// MailboxConfig locates the two mailbox directories.
type MailboxConfig struct {
	Inbox  string `yaml:"inbox"`
	Outbox string `yaml:"outbox"`
}

// ChannelsConfig configures the chat transports.
type ChannelsConfig struct {
	// Enabled lists the channels "hyperion bot" starts.
	Enabled []string `yaml:"enabled"`

	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Console  console.Config  `yaml:"console"`
}

// JournalConfig configures the SQLite journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path defaults to <workspace>/journal.db.
	Path string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`

	// Dir receives one log file per process. Empty means <workspace>/logs.
	// Set to "-" to log to stdout only.
	Dir string `yaml:"dir"`
}

// ChannelNames are the channels hyperion knows how to build.
var ChannelNames = []string{"telegram", "discord", "whatsapp", "console"}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/hyperion-workspace",
		Mailboxes: MailboxConfig{
			Inbox:  "~/messages/inbox",
			Outbox: "~/messages/outbox",
		},
		Daemon: daemon.DefaultConfig(),
		Worker: worker.DefaultConfig(),
		Bridge: bridge.DefaultWatcherConfig(),
		Adapter: adapter.Config{
			AckText:  adapter.DefaultAckText,
			Greeting: adapter.DefaultGreeting,
		},
		Channels: ChannelsConfig{
			Enabled:  []string{"telegram"},
			Telegram: telegram.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Journal:      JournalConfig{Enabled: true},
		Housekeeping: housekeeping.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the settings both processes depend on.
func (c *Config) Validate() error {
	var errs []error
	if c.Mailboxes.Inbox == "" || c.Mailboxes.Outbox == "" {
		errs = append(errs, fmt.Errorf("mailboxes.inbox and mailboxes.outbox are required"))
	} else if filepath.Clean(c.Mailboxes.Inbox) == filepath.Clean(c.Mailboxes.Outbox) {
		errs = append(errs, fmt.Errorf("inbox and outbox must be different directories"))
	}
	if c.Workspace == "" {
		errs = append(errs, fmt.Errorf("workspace is required"))
	}
	if c.Worker.Command == "" {
		errs = append(errs, fmt.Errorf("worker.command is required"))
	}
	for _, name := range c.Channels.Enabled {
		if !slices.Contains(ChannelNames, name) {
			errs = append(errs, fmt.Errorf("unknown channel %q in channels.enabled", name))
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// JournalPath returns the journal database path.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.Workspace, journal.FileName)
}

// LockPath returns the daemon lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Workspace, daemon.LockFileName)
}

// LogFile returns the log file for a process role ("daemon", "bot"), or ""
// when file logging is off.
func (c *Config) LogFile(role string) string {
	switch c.Logging.Dir {
	case "-":
		return ""
	case "":
		return filepath.Join(c.Workspace, "logs", role+".log")
	default:
		return filepath.Join(c.Logging.Dir, role+".log")
	}
}
