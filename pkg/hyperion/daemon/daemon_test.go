package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/hyperion/pkg/hyperion/journal"
	"github.com/jholhewres/hyperion/pkg/hyperion/worker"
)

// fakeClock advances only when slept on. It cancels the run after a fixed
// number of sleeps so tests terminate deterministically.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sleeps   []time.Duration
	maxSleep int
	cancel   context.CancelFunc
}

func newFakeClock(maxSleeps int, cancel context.CancelFunc) *fakeClock {
	return &fakeClock{
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		maxSleep: maxSleeps,
		cancel:   cancel,
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	done := len(c.sleeps) >= c.maxSleep
	c.mu.Unlock()
	if done {
		c.cancel()
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeInbox struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeInbox) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.err
}

func (f *fakeInbox) set(n int) {
	f.mu.Lock()
	f.count = n
	f.mu.Unlock()
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []worker.Mode
	fn    func(mode worker.Mode, call int) worker.Outcome
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, mode worker.Mode) worker.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, mode)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(mode, n)
}

func (f *fakeInvoker) Calls() []worker.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Mode(nil), f.calls...)
}

type fakeSessions struct {
	exists bool
	err    error
}

func (f *fakeSessions) Exists() bool { return f.exists }

func (f *fakeSessions) LoadOrCreate() (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	created := !f.exists
	f.exists = true
	return "sid-test", created, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []journal.Invocation
}

func (f *fakeRecorder) RecordInvocation(_ context.Context, inv journal.Invocation) error {
	f.mu.Lock()
	f.recs = append(f.recs, inv)
	f.mu.Unlock()
	return nil
}

func failing(worker.Mode, int) worker.Outcome {
	return worker.Outcome{Error: "boom", Kind: worker.KindExit, ExitCode: 1}
}

func succeeding(worker.Mode, int) worker.Outcome {
	return worker.Outcome{Success: true, Output: "ok"}
}

func runDaemon(t *testing.T, inbox Inbox, inv Invoker, sessions Sessions, maxSleeps int, opts ...Option) (*Daemon, *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock(maxSleeps, cancel)
	opts = append([]Option{WithClock(clock)}, opts...)
	d := New(DefaultConfig(), inbox, inv, sessions, nil, opts...)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	return d, clock
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBackoffAfterConsecutiveFailures(t *testing.T) {
	inbox := &fakeInbox{count: 1}
	inv := &fakeInvoker{fn: failing}
	d, clock := runDaemon(t, inbox, inv, &fakeSessions{exists: true}, 6)

	cfg := DefaultConfig()
	want := []time.Duration{
		cfg.PollInterval, cfg.PollInterval, cfg.PollInterval, cfg.PollInterval,
		cfg.BackoffCooldown,
		cfg.PollInterval,
	}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}

	s := d.Stats()
	if s.Backoffs != 1 {
		t.Errorf("backoffs = %d, want 1", s.Backoffs)
	}
	if s.ConsecutiveFailures != 1 {
		t.Errorf("counter after backoff = %d, want 1 (reset then one more failure)", s.ConsecutiveFailures)
	}
	if s.Failures != 6 || s.Invocations != 6 {
		t.Errorf("failures=%d invocations=%d, want 6/6", s.Failures, s.Invocations)
	}
	if s.State != StateStopped {
		t.Errorf("state = %s", s.State)
	}
}

func TestEmptyInboxNeverInvokes(t *testing.T) {
	inv := &fakeInvoker{fn: succeeding}
	d, clock := runDaemon(t, &fakeInbox{}, inv, &fakeSessions{exists: true}, 3)

	if calls := inv.Calls(); len(calls) != 0 {
		t.Fatalf("worker invoked %d times on empty inbox", len(calls))
	}
	idle := DefaultConfig().IdlePollInterval
	for i, s := range clock.Sleeps() {
		if s != idle {
			t.Errorf("sleep[%d] = %v, want idle interval %v", i, s, idle)
		}
	}
	if d.Stats().Cycles != 3 {
		t.Errorf("cycles = %d, want 3", d.Stats().Cycles)
	}
}

func TestSleepSubtractsElapsed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock(2, cancel)

	spent := []time.Duration{3 * time.Second, 7 * time.Second}
	inv := &fakeInvoker{}
	inv.fn = func(_ worker.Mode, call int) worker.Outcome {
		clock.Advance(spent[call-1])
		return worker.Outcome{Success: true}
	}
	d := New(DefaultConfig(), &fakeInbox{count: 1}, inv, &fakeSessions{exists: true}, nil, WithClock(clock))
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{2 * time.Second, time.Second}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestSuccessResetsCounterAndCountsProcessed(t *testing.T) {
	inbox := &fakeInbox{count: 3}
	rec := &fakeRecorder{}
	inv := &fakeInvoker{}
	inv.fn = func(_ worker.Mode, call int) worker.Outcome {
		if call <= 2 {
			return failing("", call)
		}
		inbox.set(0)
		return worker.Outcome{Success: true, Output: "done"}
	}
	d, _ := runDaemon(t, inbox, inv, &fakeSessions{exists: true}, 4, WithRecorder(rec))

	s := d.Stats()
	if s.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", s.ConsecutiveFailures)
	}
	if s.Processed != 3 {
		t.Errorf("processed = %d, want 3", s.Processed)
	}
	if s.Invocations != 3 {
		t.Errorf("invocations = %d, want 3", s.Invocations)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 3 {
		t.Fatalf("journaled %d invocations, want 3", len(rec.recs))
	}
	last := rec.recs[2]
	if !last.Success || last.PendingBefore != 3 || last.PendingAfter != 0 || last.Mode != "process" {
		t.Errorf("last record = %+v", last)
	}
}

func TestInboxErrorsCountAsFailures(t *testing.T) {
	inbox := &fakeInbox{err: errors.New("permission denied")}
	inv := &fakeInvoker{fn: succeeding}
	d, clock := runDaemon(t, inbox, inv, &fakeSessions{exists: true}, 5)

	if len(inv.Calls()) != 0 {
		t.Error("worker invoked despite unreadable inbox")
	}
	if got := clock.Sleeps()[4]; got != DefaultConfig().BackoffCooldown {
		t.Errorf("fifth sleep = %v, want backoff cooldown", got)
	}
	if d.Stats().Backoffs != 1 {
		t.Errorf("backoffs = %d, want 1", d.Stats().Backoffs)
	}
}

func TestBootstrapRetriesOnce(t *testing.T) {
	tests := []struct {
		name      string
		fn        func(worker.Mode, int) worker.Outcome
		wantCalls int
	}{
		{"succeeds first time", succeeding, 1},
		{"succeeds on retry", func(m worker.Mode, call int) worker.Outcome {
			if call == 1 {
				return failing(m, call)
			}
			return succeeding(m, call)
		}, 2},
		{"fails twice then continues", failing, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{fn: tt.fn}
			_, clock := runDaemon(t, &fakeInbox{}, inv, &fakeSessions{}, 2)

			calls := inv.Calls()
			if len(calls) != tt.wantCalls {
				t.Fatalf("calls = %v, want %d init calls", calls, tt.wantCalls)
			}
			for _, m := range calls {
				if m != worker.ModeInit {
					t.Errorf("unexpected mode %s during bootstrap", m)
				}
			}

			sleeps := clock.Sleeps()
			cfg := DefaultConfig()
			if tt.wantCalls == 2 {
				if sleeps[0] != cfg.InitRetryDelay {
					t.Errorf("first sleep = %v, want init retry delay", sleeps[0])
				}
				sleeps = sleeps[1:]
			}
			for _, s := range sleeps {
				if s != cfg.IdlePollInterval {
					t.Errorf("steady sleep = %v, want idle interval", s)
				}
			}
		})
	}
}

func TestExistingSessionSkipsBootstrap(t *testing.T) {
	inv := &fakeInvoker{fn: succeeding}
	d, _ := runDaemon(t, &fakeInbox{}, inv, &fakeSessions{exists: true}, 1)
	if len(inv.Calls()) != 0 {
		t.Errorf("init invoked for existing session")
	}
	if d.Stats().SessionID != "sid-test" {
		t.Errorf("session id = %q", d.Stats().SessionID)
	}
}

func TestSessionErrorIsFatal(t *testing.T) {
	d := New(DefaultConfig(), &fakeInbox{}, &fakeInvoker{fn: succeeding},
		&fakeSessions{err: errors.New("disk full")}, nil)
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPanicIsReturned(t *testing.T) {
	inv := &fakeInvoker{fn: func(worker.Mode, int) worker.Outcome { panic("bug") }}
	d := New(DefaultConfig(), &fakeInbox{count: 1}, inv, &fakeSessions{exists: true}, nil,
		WithClock(newFakeClock(100, func() {})))
	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error from panic")
	}
	if d.Stats().State != StateStopped {
		t.Errorf("state = %s", d.Stats().State)
	}
}

func TestCancelDuringInvocation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{fn: func(worker.Mode, int) worker.Outcome {
		cancel()
		return worker.Outcome{Error: "canceled", Kind: worker.KindCanceled}
	}}
	d := New(DefaultConfig(), &fakeInbox{count: 1}, inv, &fakeSessions{exists: true}, nil,
		WithClock(newFakeClock(100, cancel)))
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Stats().Failures != 0 {
		t.Errorf("cancellation counted as failure")
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws", LockFileName)
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, err := AcquireLock(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second AcquireLock = %v, want ErrAlreadyRunning", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	_ = l2.Release()
}

func TestRunningProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws", LockFileName)
	if running, err := Running(path); err != nil || running {
		t.Fatalf("Running on missing lock = %v, %v", running, err)
	}
	if _, err := os.Stat(filepath.Dir(path)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("probe created the workspace: %v", err)
	}

	l, err := AcquireLock(path)
	if err != nil {
		t.Fatal(err)
	}
	if running, err := Running(path); err != nil || !running {
		t.Fatalf("Running while held = %v, %v", running, err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if running, err := Running(path); err != nil || running {
		t.Fatalf("Running after release = %v, %v", running, err)
	}
	// A probe never keeps a daemon from starting.
	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock after probe: %v", err)
	}
	_ = l2.Release()
}
