package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hyperion.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Daemon.PollInterval != 5*time.Second || cfg.Daemon.IdlePollInterval != 10*time.Second {
		t.Errorf("poll intervals %v/%v", cfg.Daemon.PollInterval, cfg.Daemon.IdlePollInterval)
	}
	if cfg.Daemon.MaxConsecutiveFailures != 5 || cfg.Daemon.BackoffCooldown != time.Minute {
		t.Errorf("backoff %d/%v", cfg.Daemon.MaxConsecutiveFailures, cfg.Daemon.BackoffCooldown)
	}
	if cfg.Worker.Timeout != 300*time.Second || cfg.Worker.Command != "claude" {
		t.Errorf("worker %+v", cfg.Worker)
	}
	if cfg.Housekeeping.Schedule != "@every 10m" {
		t.Errorf("schedule %q", cfg.Housekeeping.Schedule)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
workspace: ./ws
mailboxes:
  inbox: ./q/in
  outbox: /srv/q/out
daemon:
  poll_interval: 2s
  backoff_cooldown: 90s
worker:
  command: /usr/local/bin/worker
  timeout: 45s
bridge:
  settle_delay: 250ms
adapter:
  default_channel: telegram
  allowed_users:
    telegram: ["1001", "@ada"]
channels:
  enabled: [telegram, console]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	dir := filepath.Dir(path)
	if cfg.Workspace != filepath.Join(dir, "ws") {
		t.Errorf("workspace = %s", cfg.Workspace)
	}
	if cfg.Mailboxes.Inbox != filepath.Join(dir, "q", "in") || cfg.Mailboxes.Outbox != "/srv/q/out" {
		t.Errorf("mailboxes = %+v", cfg.Mailboxes)
	}
	if cfg.Worker.WorkDir != cfg.Workspace {
		t.Errorf("worker workdir = %s, want workspace", cfg.Worker.WorkDir)
	}
	if cfg.Daemon.PollInterval != 2*time.Second || cfg.Daemon.BackoffCooldown != 90*time.Second {
		t.Errorf("daemon = %+v", cfg.Daemon)
	}
	if cfg.Daemon.IdlePollInterval != 10*time.Second {
		t.Errorf("unset idle interval lost its default: %v", cfg.Daemon.IdlePollInterval)
	}
	if cfg.Worker.Timeout != 45*time.Second || cfg.Worker.Process.Prompt == "" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Bridge.SettleDelay != 250*time.Millisecond || cfg.Bridge.RescanInterval == 0 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
	if got := cfg.Adapter.AllowedUsers["telegram"]; len(got) != 2 || got[1] != "@ada" {
		t.Errorf("allowed users = %v", got)
	}
	if cfg.Adapter.AckText == "" {
		t.Error("ack text default lost")
	}
	if cfg.JournalPath() != filepath.Join(cfg.Workspace, "journal.db") {
		t.Errorf("journal path = %s", cfg.JournalPath())
	}
	if cfg.LogFile("daemon") != filepath.Join(cfg.Workspace, "logs", "daemon.log") {
		t.Errorf("log file = %s", cfg.LogFile("daemon"))
	}
	if cfg.Channels.WhatsApp.SessionDir != filepath.Join(cfg.Workspace, "sessions", "whatsapp") {
		t.Errorf("whatsapp session dir = %s", cfg.Channels.WhatsApp.SessionDir)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HYPERION_TEST_SET", "value")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a: ${HYPERION_TEST_SET}", "a: value", false},
		{"a: $HYPERION_TEST_SET", "a: value", false},
		{"a: ${HYPERION_TEST_UNSET}", "a: ${HYPERION_TEST_UNSET}", false},
		{"a: ${HYPERION_TEST_UNSET:-fallback}", "a: fallback", false},
		{"a: ${HYPERION_TEST_SET:-fallback}", "a: value", false},
		{"a: ${HYPERION_TEST_UNSET:?token missing}", "", true},
		{"a: ${HYPERION_TEST_SET:?token missing}", "a: value", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := expandEnvVars(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadRequiredVariable(t *testing.T) {
	path := writeConfig(t, "workspace: ${HYPERION_TEST_WORKSPACE:?set the workspace}\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "set the workspace") {
		t.Errorf("Load = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"same mailbox", func(c *Config) { c.Mailboxes.Outbox = c.Mailboxes.Inbox }},
		{"no inbox", func(c *Config) { c.Mailboxes.Inbox = "" }},
		{"no worker command", func(c *Config) { c.Worker.Command = "" }},
		{"unknown channel", func(c *Config) { c.Channels.Enabled = []string{"irc"} }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvTelegramToken, "from-env")

	cfg := DefaultConfig()
	cfg.Workspace = "/srv/hyperion"
	cfg.Daemon.PollInterval = 3 * time.Second
	cfg.Channels.Telegram.Token = "from-env"
	cfg.Channels.Discord.Token = "literal-secret"

	path := filepath.Join(t.TempDir(), "conf", "hyperion.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "literal-secret") {
		t.Error("literal token written to disk")
	}
	if !strings.Contains(string(data), "${"+EnvTelegramToken+"}") {
		t.Error("env token not replaced by a reference")
	}
	if cfg.Channels.Discord.Token != "literal-secret" {
		t.Error("Save mutated the caller's config")
	}

	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back.Workspace != "/srv/hyperion" || back.Daemon.PollInterval != 3*time.Second {
		t.Errorf("round trip lost values: %+v", back)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}
}

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()

	t.Run("keyring wins", func(t *testing.T) {
		t.Setenv(EnvTelegramToken, "env-token")
		if err := StoreSecret(KeyTelegramToken, "keyring-token"); err != nil {
			t.Fatal(err)
		}
		defer DeleteSecret(KeyTelegramToken)

		cfg := DefaultConfig()
		cfg.Channels.Telegram.Token = "config-token"
		ResolveSecrets(cfg, nil)
		if cfg.Channels.Telegram.Token != "keyring-token" {
			t.Errorf("token = %q", cfg.Channels.Telegram.Token)
		}
	})

	t.Run("env over config", func(t *testing.T) {
		t.Setenv(EnvDiscordToken, "env-token")
		cfg := DefaultConfig()
		cfg.Channels.Discord.Token = "config-token"
		ResolveSecrets(cfg, nil)
		if cfg.Channels.Discord.Token != "env-token" {
			t.Errorf("token = %q", cfg.Channels.Discord.Token)
		}
	})

	t.Run("legacy variables", func(t *testing.T) {
		t.Setenv(legacyTelegramToken, "legacy-token")
		t.Setenv(legacyTelegramUsers, "1001, 1002,")
		cfg := DefaultConfig()
		ResolveSecrets(cfg, nil)
		if cfg.Channels.Telegram.Token != "legacy-token" {
			t.Errorf("token = %q", cfg.Channels.Telegram.Token)
		}
		if got := cfg.Adapter.AllowedUsers["telegram"]; len(got) != 2 || got[0] != "1001" || got[1] != "1002" {
			t.Errorf("allowed users = %v", got)
		}
	})

	t.Run("unresolved reference cleared", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Channels.Discord.Token = "${" + EnvDiscordToken + "}"
		ResolveSecrets(cfg, nil)
		if cfg.Channels.Discord.Token != "" {
			t.Errorf("token = %q", cfg.Channels.Discord.Token)
		}
	})
}
