package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jholhewres/hyperion/pkg/hyperion/journal"
	"github.com/jholhewres/hyperion/pkg/hyperion/queue"
)

// Deliverer sends an outbox document to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, doc *queue.Document) error
}

// DeliveryRecorder receives one record per handled outbox document.
// Implemented by *journal.Journal.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d journal.Delivery) error
}

// WatcherConfig tunes the outbox watcher.
type WatcherConfig struct {
	// SettleDelay is waited between a create event and reading the file,
	// for workers that write documents in place instead of atomically.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// RescanInterval is the period of the safety-net directory scan, and
	// the poll period when file events are unavailable.
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

// DefaultWatcherConfig returns the stock watcher settings.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		SettleDelay:    100 * time.Millisecond,
		RescanInterval: 30 * time.Second,
	}
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDeliveryRecorder journals every handled document.
func WithDeliveryRecorder(r DeliveryRecorder) WatcherOption {
	return func(w *Watcher) { w.recorder = r }
}

// Watcher turns new outbox documents into delivery tasks on the runtime.
type Watcher struct {
	outbox    *queue.Mailbox
	rt        *Runtime
	deliverer Deliverer
	recorder  DeliveryRecorder
	cfg       WatcherConfig
	logger    *slog.Logger

	mu        sync.Mutex
	scheduled map[string]bool
}

// NewWatcher creates a watcher for outbox. Zero-valued settings take their
// defaults; a negative SettleDelay disables the delay.
func NewWatcher(outbox *queue.Mailbox, rt *Runtime, deliverer Deliverer, cfg WatcherConfig, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWatcherConfig()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = def.RescanInterval
	}
	w := &Watcher{
		outbox:    outbox,
		rt:        rt,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.With("component", "outbox-watcher"),
		scheduled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the outbox until ctx is done. Documents already present are
// handed off first. If file events cannot be set up the watcher falls back
// to polling at RescanInterval. On return the pending hand-off set is
// cleared, since the runtime discards queued tasks when it stops.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.forget()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file events unavailable, polling outbox", "error", err, "interval", w.cfg.RescanInterval)
		return w.poll(ctx)
	}
	defer fw.Close()

	if err := fw.Add(w.outbox.Dir()); err != nil {
		w.logger.Warn("cannot watch outbox, polling instead", "dir", w.outbox.Dir(), "error", err)
		return w.poll(ctx)
	}

	w.logger.Info("watching outbox", "dir", w.outbox.Dir())
	w.scan()

	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if id, ok := w.outbox.IDFromPath(ev.Name); ok {
				w.schedule(id, 0)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// Overflow means events were lost; the next scan catches up.
			w.logger.Warn("outbox watch error", "error", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.scan()
			}

		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	w.scan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan schedules every document currently in the outbox.
func (w *Watcher) scan() {
	ids, err := w.outbox.ListPending()
	if err != nil {
		w.logger.Warn("outbox scan failed", "error", err)
		return
	}
	for _, id := range ids {
		w.schedule(id, 0)
	}
}

// schedule hands the document to the runtime after the settle delay.
// It never blocks the caller. An id already waiting for the runtime is
// not scheduled twice.
func (w *Watcher) schedule(id string, attempt int) {
	w.mu.Lock()
	if w.scheduled[id] {
		w.mu.Unlock()
		return
	}
	w.scheduled[id] = true
	w.mu.Unlock()

	time.AfterFunc(w.cfg.SettleDelay, func() {
		ok := w.rt.Submit(func(ctx context.Context) {
			retry := w.process(ctx, id, attempt)
			w.release(id)
			if retry {
				w.schedule(id, attempt+1)
			}
		})
		if !ok {
			w.release(id)
		}
	})
}

func (w *Watcher) forget() {
	w.mu.Lock()
	clear(w.scheduled)
	w.mu.Unlock()
}

func (w *Watcher) release(id string) {
	w.mu.Lock()
	delete(w.scheduled, id)
	w.mu.Unlock()
}

// Process handles one outbox document on the calling goroutine: read,
// deliver if it is complete, and consume it in every case.
func (w *Watcher) Process(ctx context.Context, id string) {
	w.process(ctx, id, 1)
}

// process returns true when the document should be retried once more.
func (w *Watcher) process(ctx context.Context, id string, attempt int) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("outbox document handling panicked", "id", id, "panic", r)
			retry = false
		}
	}()

	doc, err := w.outbox.Read(id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		w.logger.Debug("outbox document already handled", "id", id)
		return false

	case errors.Is(err, queue.ErrCorrupt):
		// A first-attempt decode failure may be a writer still in progress.
		if attempt == 0 {
			w.logger.Debug("outbox document unreadable, retrying", "id", id, "error", err)
			return true
		}
		w.logger.Warn("outbox document corrupt", "id", id, "error", err)
		if qerr := w.outbox.Quarantine(id, err.Error()); qerr != nil {
			w.logger.Error("quarantine failed", "id", id, "error", qerr)
		}
		w.record(ctx, journal.Delivery{DocID: id, Status: journal.StatusCorrupt, Error: err.Error()})
		return false

	case err != nil:
		w.logger.Error("reading outbox document failed", "id", id, "error", err)
		return false
	}

	rec := journal.Delivery{
		DocID:  id,
		Source: doc.Source,
		ChatID: doc.ChatID.String(),
	}

	if doc.ChatID.IsZero() || strings.TrimSpace(doc.Text) == "" {
		w.logger.Warn("outbox document missing chat_id or text, dropping", "id", id)
		rec.Status = journal.StatusDropped
	} else if err := w.deliverer.Deliver(ctx, doc); err != nil {
		w.logger.Error("delivery failed", "id", id, "chat_id", doc.ChatID, "error", err)
		rec.Status = journal.StatusFailed
		rec.Error = err.Error()
	} else {
		w.logger.Info("reply delivered", "id", id, "chat_id", doc.ChatID, "source", doc.Source)
		rec.Status = journal.StatusDelivered
	}

	if err := w.outbox.Consume(id); err != nil {
		w.logger.Error("consuming outbox document failed", "id", id, "error", err)
	}
	w.record(ctx, rec)
	return false
}

func (w *Watcher) record(ctx context.Context, d journal.Delivery) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
		w.logger.Warn("journal write failed", "error", err)
	}
}
