package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/hyperion/pkg/hyperion/config"
)

// newSetupCmd creates the `hyperion setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create hyperion.yaml: mailbox locations,
worker command, chat channels and who may talk to the bot. Bot tokens are
stored in the OS keyring, never in the config file.

Examples:
  hyperion setup
  hyperion setup --config ./hyperion.yaml`,
		RunE: runSetup,
	}
}

// setupAnswers collects the wizard's fields.
type setupAnswers struct {
	workspace     string
	inbox         string
	outbox        string
	workerCommand string
	channels      []string
	telegramToken string
	telegramUsers string
	discordToken  string
	discordUsers  string
	path          string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}

	a := setupAnswers{
		workspace:     cfg.Workspace,
		inbox:         cfg.Mailboxes.Inbox,
		outbox:        cfg.Mailboxes.Outbox,
		workerCommand: cfg.Worker.Command,
		channels:      cfg.Channels.Enabled,
		path:          path,
	}

	notEmpty := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}
	enabled := func(name string) func() bool {
		return func() bool { return !slices.Contains(a.channels, name) }
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Hyperion setup").
				Description("Chat messages go to the inbox; the daemon runs the worker, which answers through the outbox."),
			huh.NewInput().Title("Workspace").Value(&a.workspace).Validate(notEmpty),
			huh.NewInput().Title("Inbox directory").Value(&a.inbox).Validate(notEmpty),
			huh.NewInput().Title("Outbox directory").Value(&a.outbox).Validate(notEmpty),
			huh.NewInput().Title("Worker command").Value(&a.workerCommand).Validate(notEmpty),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Chat channels").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("WhatsApp (QR pairing on first start)", "whatsapp"),
					huh.NewOption("Local console", "console"),
				).
				Value(&a.channels).
				Validate(func(s []string) error {
					if len(s) == 0 {
						return errors.New("pick at least one channel")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").Description("Leave empty to set it later with: hyperion config set-token telegram").
				EchoMode(huh.EchoModePassword).Value(&a.telegramToken),
			huh.NewInput().Title("Allowed Telegram user ids").Description("Comma separated. Nobody else gets an answer.").
				Value(&a.telegramUsers),
		).WithHideFunc(enabled("telegram")),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&a.discordToken),
			huh.NewInput().Title("Allowed Discord user ids").Description("Comma separated.").Value(&a.discordUsers),
		).WithHideFunc(enabled("discord")),
		huh.NewGroup(
			huh.NewInput().Title("Save config to").Value(&a.path).Validate(notEmpty),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	cfg.Workspace = a.workspace
	cfg.Mailboxes.Inbox = a.inbox
	cfg.Mailboxes.Outbox = a.outbox
	cfg.Worker.Command = a.workerCommand
	cfg.Channels.Enabled = a.channels
	cfg.Adapter.AllowedUsers = map[string][]string{}
	if users := splitCSV(a.telegramUsers); len(users) > 0 {
		cfg.Adapter.AllowedUsers["telegram"] = users
	}
	if users := splitCSV(a.discordUsers); len(users) > 0 {
		cfg.Adapter.AllowedUsers["discord"] = users
	}
	if len(a.channels) == 1 {
		cfg.Adapter.DefaultChannel = a.channels[0]
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	storeToken(config.KeyTelegramToken, config.EnvTelegramToken, a.telegramToken)
	storeToken(config.KeyDiscordToken, config.EnvDiscordToken, a.discordToken)

	if err := config.Save(cfg, a.path); err != nil {
		return err
	}
	fmt.Printf("\nConfig saved to %s\n", a.path)
	fmt.Println("Start the backend with:   hyperion daemon")
	fmt.Println("Start the front end with: hyperion bot")
	return nil
}

func storeToken(key, envVar, token string) {
	if token = strings.TrimSpace(token); token == "" {
		return
	}
	if err := config.StoreSecret(key, token); err != nil {
		fmt.Printf("[!] Could not store %s in the OS keyring (%v).\n", key, err)
		fmt.Printf("    Export it instead: export %s=...\n", envVar)
		return
	}
	fmt.Printf("%s stored in the OS keyring.\n", key)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
