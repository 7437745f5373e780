// Package bridge connects the outbox watcher, which runs on its own
// goroutine, to the cooperative runtime that owns the chat connections.
//
// The runtime is a single goroutine draining a task queue. Everything that
// touches a chat connection runs as a task on it, so the connections never
// see concurrent use. Foreign goroutines hand work over through Submit,
// which never blocks; the running flag and the task queue are the only
// state shared between goroutines.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the task queue capacity used when none is given.
const DefaultQueueSize = 256

// ErrNotRunning is returned by Post when the runtime is not running.
var ErrNotRunning = errors.New("bridge: runtime not running")

// Task is a unit of work executed on the runtime goroutine.
type Task func(ctx context.Context)

// Runtime executes tasks one at a time on a single goroutine.
type Runtime struct {
	tasks   chan Task
	running atomic.Bool
	dropped atomic.Uint64
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRuntime creates a runtime with the given queue capacity.
func NewRuntime(size int, logger *slog.Logger) *Runtime {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		tasks:  make(chan Task, size),
		logger: logger.With("component", "runtime"),
		ready:  make(chan struct{}),
	}
}

// Run drains the task queue until ctx is done. Tasks still queued at that
// point are discarded and counted as dropped. A Submit racing with shutdown
// can still land a task after the discard; it runs only if Run is started
// again.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("bridge: runtime already running")
	}
	defer r.running.Store(false)
	r.readyOnce.Do(func() { close(r.ready) })

	for {
		if ctx.Err() != nil {
			r.discard()
			return nil
		}
		select {
		case <-ctx.Done():
		case task := <-r.tasks:
			r.exec(ctx, task)
		}
	}
}

func (r *Runtime) discard() {
	var n int
	for {
		select {
		case <-r.tasks:
			n++
		default:
			if n > 0 {
				r.dropped.Add(uint64(n))
				r.logger.Info("runtime stopping with queued tasks", "discarded", n)
			}
			return
		}
	}
}

func (r *Runtime) exec(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}

// Ready is closed once Run has started for the first time.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Running reports whether Run is active.
func (r *Runtime) Running() bool { return r.running.Load() }

// Dropped returns how many submissions were rejected.
func (r *Runtime) Dropped() uint64 { return r.dropped.Load() }

// Submit hands a task to the runtime from any goroutine. It never blocks:
// when the runtime is not running or its queue is full the task is dropped,
// logged, and false is returned.
func (r *Runtime) Submit(task Task) bool {
	if !r.running.Load() {
		r.dropped.Add(1)
		r.logger.Warn("runtime not running, task dropped")
		return false
	}
	select {
	case r.tasks <- task:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("runtime queue full, task dropped", "capacity", cap(r.tasks))
		return false
	}
}

// Post enqueues a task, waiting for queue space or ctx.
func (r *Runtime) Post(ctx context.Context, task Task) error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	select {
	case r.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
