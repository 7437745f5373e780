// Package daemon implements the worker loop: it watches the inbox depth,
// invokes the external worker whenever there is work, and backs off after
// repeated failures. One daemon runs at a time and it never runs two
// workers concurrently.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jholhewres/hyperion/pkg/hyperion/journal"
	"github.com/jholhewres/hyperion/pkg/hyperion/worker"
)

// State is the loop state.
type State string

const (
	StateIdle          State = "idle"
	StateBootstrapping State = "bootstrapping"
	StateSteady        State = "steady"
	StateBackoff       State = "backoff"
	StateStopped       State = "stopped"
)

// Output previews logged after successful invocations.
const (
	initPreviewLen    = 500
	processPreviewLen = 200
)

// Inbox is the part of the queue store the daemon needs.
type Inbox interface {
	Count() (int, error)
}

// Invoker runs the external worker.
type Invoker interface {
	Invoke(ctx context.Context, sessionID string, mode worker.Mode) worker.Outcome
}

// Sessions persists the worker session identity.
type Sessions interface {
	Exists() bool
	LoadOrCreate() (id string, created bool, err error)
}

// Recorder receives invocation records. Implemented by *journal.Journal.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv journal.Invocation) error
}

// Config holds the loop timings.
type Config struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	IdlePollInterval       time.Duration `yaml:"idle_poll_interval"`
	MinSleep               time.Duration `yaml:"min_sleep"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BackoffCooldown        time.Duration `yaml:"backoff_cooldown"`
	InitRetryDelay         time.Duration `yaml:"init_retry_delay"`
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:           5 * time.Second,
		IdlePollInterval:       10 * time.Second,
		MinSleep:               time.Second,
		MaxConsecutiveFailures: 5,
		BackoffCooldown:        60 * time.Second,
		InitRetryDelay:         30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = def.IdlePollInterval
	}
	if c.MinSleep <= 0 {
		c.MinSleep = def.MinSleep
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.BackoffCooldown <= 0 {
		c.BackoffCooldown = def.BackoffCooldown
	}
	if c.InitRetryDelay <= 0 {
		c.InitRetryDelay = def.InitRetryDelay
	}
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	State               State
	SessionID           string
	Cycles              int
	Invocations         int
	Failures            int
	ConsecutiveFailures int
	Backoffs            int
	Processed           int
	LastCycle           time.Time
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithRecorder journals every invocation.
func WithRecorder(r Recorder) Option {
	return func(d *Daemon) { d.recorder = r }
}

// Daemon is the worker loop.
type Daemon struct {
	cfg      Config
	inbox    Inbox
	invoker  Invoker
	sessions Sessions
	recorder Recorder
	clock    Clock
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a daemon. Zero-valued timings take their defaults.
func New(cfg Config, inbox Inbox, invoker Invoker, sessions Sessions, logger *slog.Logger, opts ...Option) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	d := &Daemon{
		cfg:      cfg,
		inbox:    inbox,
		invoker:  invoker,
		sessions: sessions,
		clock:    RealClock(),
		logger:   logger.With("component", "daemon"),
		stats:    Stats{State: StateIdle},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns a snapshot of the counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run bootstraps the session if needed and then polls until ctx is done.
// Cancellation is a clean shutdown and returns nil; a panic inside the loop
// is returned as an error.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("daemon loop panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("daemon: fatal: %v", r)
		}
		d.setState(StateStopped)
	}()

	sessionID, err := d.bootstrap(ctx)
	if err != nil {
		return err
	}

	d.setState(StateSteady)
	d.logger.Info("daemon loop started",
		"session_id", sessionID,
		"poll_interval", d.cfg.PollInterval,
		"idle_poll_interval", d.cfg.IdlePollInterval,
	)

	for ctx.Err() == nil {
		sleep := d.cycle(ctx, sessionID)
		if ctx.Err() != nil {
			break
		}

		if d.consecutiveFailures() >= d.cfg.MaxConsecutiveFailures {
			if err := d.backoff(ctx); err != nil {
				break
			}
			continue
		}

		if err := d.clock.Sleep(ctx, sleep); err != nil {
			break
		}
	}

	d.logger.Info("daemon loop stopped")
	return nil
}

// bootstrap returns the session id, running the init invocation on the
// very first run of the workspace.
func (d *Daemon) bootstrap(ctx context.Context) (string, error) {
	firstRun := !d.sessions.Exists()
	sessionID, created, err := d.sessions.LoadOrCreate()
	if err != nil {
		return "", fmt.Errorf("daemon: load session: %w", err)
	}
	d.mu.Lock()
	d.stats.SessionID = sessionID
	d.mu.Unlock()

	if !firstRun && !created {
		d.logger.Info("resuming session", "session_id", sessionID)
		return sessionID, nil
	}

	d.setState(StateBootstrapping)
	d.logger.Info("first run, initializing worker session", "session_id", sessionID)

	out := d.invoke(ctx, sessionID, worker.ModeInit, 0)
	if out.Success {
		d.logger.Info("worker session initialized", "output", worker.Preview(out.Output, initPreviewLen))
		return sessionID, nil
	}
	if ctx.Err() != nil {
		return sessionID, nil
	}

	d.logger.Warn("initialization failed, retrying",
		"error", out.Error, "kind", out.Kind, "retry_in", d.cfg.InitRetryDelay)
	if err := d.clock.Sleep(ctx, d.cfg.InitRetryDelay); err != nil {
		return sessionID, nil
	}

	out = d.invoke(ctx, sessionID, worker.ModeInit, 0)
	if out.Success {
		d.logger.Info("worker session initialized", "output", worker.Preview(out.Output, initPreviewLen))
	} else if ctx.Err() == nil {
		d.logger.Error("initialization failed twice, continuing without it",
			"error", out.Error, "kind", out.Kind)
	}
	return sessionID, nil
}

// cycle runs one steady-state iteration and returns how long to sleep.
func (d *Daemon) cycle(ctx context.Context, sessionID string) time.Duration {
	start := d.clock.Now()
	d.mu.Lock()
	d.stats.Cycles++
	d.stats.LastCycle = start
	d.mu.Unlock()

	interval := d.cfg.IdlePollInterval

	before, err := d.inbox.Count()
	switch {
	case err != nil:
		d.logger.Error("reading inbox failed", "error", err)
		d.recordFailure()

	case before > 0:
		interval = d.cfg.PollInterval
		d.logger.Info("messages pending, invoking worker", "pending", before)

		out := d.invoke(ctx, sessionID, worker.ModeProcess, before)
		if ctx.Err() != nil {
			return 0
		}
		if out.Success {
			d.recordSuccess(before)
			d.logger.Info("worker finished",
				"duration", out.Duration.Round(time.Millisecond),
				"output", worker.Preview(out.Output, processPreviewLen))
		} else {
			n := d.recordFailure()
			d.logger.Warn("worker failed",
				"error", out.Error, "kind", out.Kind, "exit_code", out.ExitCode,
				"consecutive_failures", n)
		}
	}

	sleep := interval - d.clock.Now().Sub(start)
	if sleep < d.cfg.MinSleep {
		sleep = d.cfg.MinSleep
	}
	return sleep
}

// backoff sleeps the cooldown once and resets the failure counter.
func (d *Daemon) backoff(ctx context.Context) error {
	d.mu.Lock()
	d.stats.State = StateBackoff
	d.stats.Backoffs++
	n := d.stats.ConsecutiveFailures
	d.mu.Unlock()

	d.logger.Warn("too many consecutive failures, backing off",
		"failures", n, "cooldown", d.cfg.BackoffCooldown)

	if err := d.clock.Sleep(ctx, d.cfg.BackoffCooldown); err != nil {
		return err
	}

	d.mu.Lock()
	d.stats.ConsecutiveFailures = 0
	d.stats.State = StateSteady
	d.mu.Unlock()
	return nil
}

// invoke runs the worker and journals the outcome.
func (d *Daemon) invoke(ctx context.Context, sessionID string, mode worker.Mode, before int) worker.Outcome {
	started := d.clock.Now()
	out := d.invoker.Invoke(ctx, sessionID, mode)

	d.mu.Lock()
	d.stats.Invocations++
	d.mu.Unlock()

	if out.Kind == worker.KindCanceled || d.recorder == nil {
		return out
	}

	rec := journal.Invocation{
		Mode:          string(mode),
		StartedAt:     started,
		Duration:      out.Duration,
		Success:       out.Success,
		Kind:          string(out.Kind),
		Error:         out.Error,
		PendingBefore: before,
		PendingAfter:  before,
	}
	if out.Success && mode == worker.ModeProcess {
		if after, err := d.inbox.Count(); err == nil {
			rec.PendingAfter = after
		}
	}
	if err := d.recorder.RecordInvocation(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Warn("journal write failed", "error", err)
	}
	return out
}

func (d *Daemon) recordSuccess(before int) {
	after, err := d.inbox.Count()
	processed := 0
	if err == nil && before > after {
		processed = before - after
	}

	d.mu.Lock()
	d.stats.ConsecutiveFailures = 0
	d.stats.Processed += processed
	d.mu.Unlock()

	if err == nil {
		d.logger.Info("inbox drained", "processed", processed, "remaining", after)
	}
}

func (d *Daemon) recordFailure() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Failures++
	d.stats.ConsecutiveFailures++
	return d.stats.ConsecutiveFailures
}

func (d *Daemon) consecutiveFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.ConsecutiveFailures
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.stats.State = s
	d.mu.Unlock()
}
