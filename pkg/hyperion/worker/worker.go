// Package worker runs the external worker process that drains the inbox.
// Every invocation is a fresh child process in its own process group with a
// hard timeout; its result is always reported as an Outcome, never as a
// panic or a propagated error.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Mode selects the prompt and capability set of an invocation.
type Mode string

const (
	// ModeInit is the first-run invocation that establishes session context.
	ModeInit Mode = "init"

	// ModeProcess is the steady-state invocation that drains the inbox.
	ModeProcess Mode = "process"
)

// FailureKind classifies a failed invocation.
type FailureKind string

const (
	KindNone     FailureKind = ""
	KindTimeout  FailureKind = "timeout"
	KindExit     FailureKind = "exit"
	KindSpawn    FailureKind = "spawn"
	KindCanceled FailureKind = "canceled"
)

// Placeholders recognized in Config.Args.
const (
	PlaceholderPrompt       = "{prompt}"
	PlaceholderSessionID    = "{session_id}"
	PlaceholderAllowedTools = "{allowed_tools}"
)

// waitDelay bounds how long Wait keeps draining pipes after the process
// group was killed. Grandchildren that escaped the group could otherwise
// hold stdout open indefinitely.
const waitDelay = 2 * time.Second

// Outcome is the result of one invocation.
type Outcome struct {
	Success  bool
	Output   string
	Error    string
	Kind     FailureKind
	ExitCode int
	Duration time.Duration
}

// Profile is the prompt and capability allowlist for a mode.
type Profile struct {
	Prompt       string   `yaml:"prompt"`
	AllowedTools []string `yaml:"allowed_tools"`
}

// Config configures the invoker.
type Config struct {
	// Command is the worker executable.
	Command string `yaml:"command"`

	// Args is the argument template; see the Placeholder constants.
	Args []string `yaml:"args"`

	// WorkDir is the working directory of every invocation.
	WorkDir string `yaml:"workdir"`

	// Timeout caps a single invocation.
	Timeout time.Duration `yaml:"timeout"`

	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env map[string]string `yaml:"env"`

	Init    Profile `yaml:"init"`
	Process Profile `yaml:"process"`
}

// DefaultInitPrompt is sent on the very first run of a workspace.
const DefaultInitPrompt = `You are now initializing as Hyperion.

Read the CLAUDE.md file in your workspace to understand your role and capabilities.

After reading, confirm you understand:
1. Your role as an always-on message processor
2. How to use the inbox MCP tools
3. The message flow from Telegram to you and back

Then check your inbox for any pending messages and process them.

Say "Hyperion initialized and ready" when done.`

// DefaultProcessPrompt is sent whenever the inbox is non-empty.
const DefaultProcessPrompt = `Check your inbox for new messages. For each message:
1. Read and understand what the user wants
2. Compose a helpful, concise response
3. Use send_reply with the correct chat_id
4. Use mark_processed to clear the message

Process ALL messages in the inbox.`

// DefaultConfig returns the stock worker configuration.
func DefaultConfig() Config {
	return Config{
		Command: "claude",
		Args: []string{
			"-p", PlaceholderPrompt,
			"--print",
			"--session-id", PlaceholderSessionID,
			"--allowedTools", PlaceholderAllowedTools,
		},
		Timeout: 300 * time.Second,
		Init: Profile{
			Prompt: DefaultInitPrompt,
			AllowedTools: []string{
				"mcp__hyperion-inbox__check_inbox",
				"mcp__hyperion-inbox__send_reply",
				"mcp__hyperion-inbox__mark_processed",
				"mcp__hyperion-inbox__get_stats",
				"mcp__hyperion-inbox__list_sources",
				"Read",
				"Glob",
				"Grep",
			},
		},
		Process: Profile{
			Prompt: DefaultProcessPrompt,
			AllowedTools: []string{
				"mcp__hyperion-inbox__check_inbox",
				"mcp__hyperion-inbox__send_reply",
				"mcp__hyperion-inbox__mark_processed",
				"mcp__hyperion-inbox__get_stats",
				"Read",
				"Write",
				"Bash",
			},
		},
	}
}

// Request is a single worker run.
type Request struct {
	SessionID    string
	Prompt       string
	AllowedTools []string

	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

// Invoker spawns worker processes.
type Invoker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Invoker.
func New(cfg Config, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Invoker{cfg: cfg, logger: logger.With("component", "worker")}
}

// Profile returns the configured profile for a mode.
func (inv *Invoker) Profile(mode Mode) (Profile, error) {
	switch mode {
	case ModeInit:
		return inv.cfg.Init, nil
	case ModeProcess:
		return inv.cfg.Process, nil
	default:
		return Profile{}, fmt.Errorf("unknown worker mode %q", mode)
	}
}

// Invoke runs the worker in the given mode.
func (inv *Invoker) Invoke(ctx context.Context, sessionID string, mode Mode) Outcome {
	p, err := inv.Profile(mode)
	if err != nil {
		return Outcome{Error: err.Error(), Kind: KindSpawn, ExitCode: -1}
	}
	return inv.Run(ctx, Request{
		SessionID:    sessionID,
		Prompt:       p.Prompt,
		AllowedTools: p.AllowedTools,
	})
}

// Run spawns the worker for req and waits for it, killing the process group
// when the timeout elapses.
func (inv *Invoker) Run(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("worker invocation panicked", "panic", r)
			out = Outcome{Error: fmt.Sprintf("panic: %v", r), Kind: KindSpawn, ExitCode: -1}
		}
		out.Duration = time.Since(start)
	}()

	timeout := inv.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.cfg.Command, expandArgs(inv.cfg.Args, req)...)
	cmd.Dir = inv.cfg.WorkDir
	cmd.Env = inv.buildEnv()
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	inv.logger.Debug("starting worker", "command", inv.cfg.Command, "dir", cmd.Dir, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return Outcome{Error: err.Error(), Kind: KindSpawn, ExitCode: -1}
	}
	err := cmd.Wait()

	switch {
	case err == nil:
		return Outcome{Success: true, Output: stdout.String()}

	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		inv.logger.Warn("worker timed out", "timeout", timeout)
		return Outcome{Error: "timeout", Kind: KindTimeout, ExitCode: -1, Output: stdout.String()}

	case ctx.Err() != nil:
		return Outcome{Error: "canceled", Kind: KindCanceled, ExitCode: -1, Output: stdout.String()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		return Outcome{Error: msg, Kind: KindExit, ExitCode: exitErr.ExitCode(), Output: stdout.String()}
	}

	// Wait errors other than ExitError: I/O copy failures, WaitDelay expiry.
	return Outcome{Error: err.Error(), Kind: KindExit, ExitCode: -1, Output: stdout.String()}
}

func (inv *Invoker) buildEnv() []string {
	env := os.Environ()
	for k, v := range inv.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// expandArgs substitutes placeholders in each template argument.
func expandArgs(tmpl []string, req Request) []string {
	r := strings.NewReplacer(
		PlaceholderPrompt, req.Prompt,
		PlaceholderSessionID, req.SessionID,
		PlaceholderAllowedTools, strings.Join(req.AllowedTools, ","),
	)
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = r.Replace(a)
	}
	return args
}

// Preview truncates s to at most n runes for logging.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
