package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "hyperion"

	// KeyTelegramToken and KeyDiscordToken name the keyring entries.
	KeyTelegramToken = "telegram_token"
	KeyDiscordToken  = "discord_token"

	// EnvTelegramToken and EnvDiscordToken override the config file.
	EnvTelegramToken = "HYPERION_TELEGRAM_TOKEN"
	EnvDiscordToken  = "HYPERION_DISCORD_TOKEN"

	// legacyTelegramToken and legacyTelegramUsers are the variable names
	// used by earlier deployments of the bot.
	legacyTelegramToken = "TELEGRAM_BOT_TOKEN"
	legacyTelegramUsers = "TELEGRAM_ALLOWED_USERS"
)

// SecretKeys lists the keyring entries hyperion manages.
var SecretKeys = []string{KeyTelegramToken, KeyDiscordToken}

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetSecret retrieves a secret from the OS keyring, or "" if absent.
func GetSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__hyperion_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills the bot tokens using keyring → environment → config
// file, and the Telegram allowlist from TELEGRAM_ALLOWED_USERS when the
// config leaves it empty.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Channels.Telegram.Token = resolveToken(cfg.Channels.Telegram.Token, KeyTelegramToken, logger,
		EnvTelegramToken, legacyTelegramToken)
	cfg.Channels.Discord.Token = resolveToken(cfg.Channels.Discord.Token, KeyDiscordToken, logger,
		EnvDiscordToken)

	if len(cfg.Adapter.AllowedUsers["telegram"]) == 0 {
		if users := splitList(os.Getenv(legacyTelegramUsers)); len(users) > 0 {
			if cfg.Adapter.AllowedUsers == nil {
				cfg.Adapter.AllowedUsers = make(map[string][]string)
			}
			cfg.Adapter.AllowedUsers["telegram"] = users
		}
	}
}

func resolveToken(current, key string, logger *slog.Logger, envVars ...string) string {
	if val := GetSecret(key); val != "" {
		logger.Debug("token loaded from OS keyring", "key", key)
		return val
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			logger.Debug("token loaded from environment", "env", env)
			return val
		}
	}
	if IsEnvReference(current) {
		return ""
	}
	return current
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ReadPassword prompts for a secret without echo. When stdin is not a
// terminal it reads one line instead.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
