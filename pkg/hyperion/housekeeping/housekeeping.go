// Package housekeeping runs periodic maintenance on a cron schedule:
// orphaned temp files are swept from the mailboxes, old journal rows are
// pruned and the queue depth is logged.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the housekeeping settings.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string `yaml:"schedule"`

	// TmpMaxAge is how old a temp file must be before it is swept.
	TmpMaxAge time.Duration `yaml:"tmp_max_age"`

	// JournalRetention is how long journal rows are kept.
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Schedule:         "@every 10m",
		TmpMaxAge:        time.Hour,
		JournalRetention: 30 * 24 * time.Hour,
	}
}

// Mailbox is the part of queue.Mailbox housekeeping needs.
type Mailbox interface {
	Dir() string
	Count() (int, error)
	SweepTemp(maxAge time.Duration) (int, error)
}

// Pruner deletes journal rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Report is the result of one maintenance run.
type Report struct {
	Swept  int
	Pruned int64
	Depth  map[string]int
}

// Scheduler runs maintenance on its cron schedule.
type Scheduler struct {
	cfg       Config
	mailboxes []Mailbox
	pruner    Pruner
	logger    *slog.Logger

	cron *cron.Cron
	// mu serializes runs so a slow run never overlaps the next tick.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. pruner may be nil when no journal is open.
func New(cfg Config, mailboxes []Mailbox, pruner Pruner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.TmpMaxAge <= 0 {
		cfg.TmpMaxAge = def.TmpMaxAge
	}
	if cfg.JournalRetention <= 0 {
		cfg.JournalRetention = def.JournalRetention
	}
	return &Scheduler{
		cfg:       cfg,
		mailboxes: mailboxes,
		pruner:    pruner,
		logger:    logger.With("component", "housekeeping"),
	}
}

// Start runs maintenance once and then on every tick of the schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("housekeeping: invalid schedule %q: %w", s.cfg.Schedule, err)
	}

	s.RunOnce(s.ctx)
	s.cron.Start()
	s.logger.Info("housekeeping started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("housekeeping stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// RunOnce performs one maintenance pass. Failures are logged and the pass
// continues with the next step.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{Depth: make(map[string]int, len(s.mailboxes))}
	for _, mb := range s.mailboxes {
		name := filepath.Base(mb.Dir())

		n, err := mb.SweepTemp(s.cfg.TmpMaxAge)
		if err != nil {
			s.logger.Warn("temp sweep failed", "mailbox", name, "error", err)
		}
		rep.Swept += n

		depth, err := mb.Count()
		if err != nil {
			s.logger.Warn("counting mailbox failed", "mailbox", name, "error", err)
			continue
		}
		rep.Depth[name] = depth
	}

	if s.pruner != nil && ctx.Err() == nil {
		cutoff := time.Now().Add(-s.cfg.JournalRetention)
		pruned, err := s.pruner.Prune(ctx, cutoff)
		if err != nil {
			s.logger.Warn("journal prune failed", "error", err)
		}
		rep.Pruned = pruned
	}

	s.logger.Info("housekeeping pass",
		"queue_depth", rep.Depth,
		"temp_swept", rep.Swept,
		"journal_pruned", rep.Pruned,
	)
	return rep
}
