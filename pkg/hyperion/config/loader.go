package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - Group 1: variable name (${} syntax)
//   - Group 2: modifier ("-" for default, "?" for error)
//   - Group 3: default value or error message
//   - Group 4: variable name (bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads a YAML configuration file. .env files are loaded first and
// environment references are expanded before parsing. Relative paths are
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	checkFilePermissions(path)

	return cfg, cfg.Validate()
}

// LoadOrDefault loads path, or the first config file found in the standard
// locations, or falls back to the defaults when there is none.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}

	loadEnvFiles(".")
	cfg := DefaultConfig()
	wd, _ := os.Getwd()
	cfg.resolvePaths(wd)
	return cfg, "", cfg.Validate()
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak copy
// of the previous file. Bot tokens are never written; they live in the
// keyring or the environment.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Channels.Telegram.Token = sanitizeSecret(cfg.Channels.Telegram.Token, EnvTelegramToken)
	sanitized.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token, EnvDiscordToken)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"hyperion.yaml",
		"hyperion.yml",
		"config.yaml",
		"configs/hyperion.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "hyperion", "hyperion.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultPath is where "hyperion setup" writes a new config.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hyperion.yaml"
	}
	return filepath.Join(home, ".config", "hyperion", "hyperion.yaml")
}

// loadEnvFiles loads .env and .env.local from the working directory and
// from dir. Existing variables are never overwritten.
func loadEnvFiles(dir string) {
	files := []string{".env", ".env.local"}
	if dir != "" && dir != "." {
		files = append(files, filepath.Join(dir, ".env"), filepath.Join(dir, ".env.local"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. Unset ${VAR} and $VAR are
// left as they are; ${VAR:-default} falls back to default; ${VAR:?msg}
// fails with msg.
func expandEnvVars(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if firstErr == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				firstErr = fmt.Errorf("config error: %s - %s", name, value)
			}
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolvePaths expands ~ and makes relative paths absolute against dir.
func (c *Config) resolvePaths(dir string) {
	c.Workspace = resolvePath(c.Workspace, dir)
	c.Mailboxes.Inbox = resolvePath(c.Mailboxes.Inbox, dir)
	c.Mailboxes.Outbox = resolvePath(c.Mailboxes.Outbox, dir)
	c.Journal.Path = resolvePath(c.Journal.Path, dir)
	c.Channels.Console.HistoryFile = resolvePath(c.Channels.Console.HistoryFile, dir)
	if c.Logging.Dir != "-" {
		c.Logging.Dir = resolvePath(c.Logging.Dir, dir)
	}

	if c.Worker.WorkDir == "" {
		c.Worker.WorkDir = c.Workspace
	} else {
		c.Worker.WorkDir = resolvePath(c.Worker.WorkDir, dir)
	}

	// The WhatsApp session store belongs in the workspace by default.
	if c.Channels.WhatsApp.SessionDir == "./sessions/whatsapp" {
		c.Channels.WhatsApp.SessionDir = filepath.Join(c.Workspace, "sessions", "whatsapp")
	} else {
		c.Channels.WhatsApp.SessionDir = resolvePath(c.Channels.WhatsApp.SessionDir, dir)
	}
	c.Channels.WhatsApp.DatabasePath = resolvePath(c.Channels.WhatsApp.DatabasePath, dir)
}

// resolvePath expands ~ and resolves relative paths against dir.
func resolvePath(path, dir string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

// sanitizeSecret replaces a secret that came from envVar with a reference
// to it. Any other literal value is dropped.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return ""
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
