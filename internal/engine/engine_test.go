package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/loom/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, db *sql.DB, clock *fakeClock, defs ...Definition) (*Engine, *SQLStore) {
	t.Helper()
	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := NewRegistry()
	for _, def := range defs {
		registry.MustRegister(def)
	}
	e, err := New(registry, store, WithClock(clock.Now), WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, store
}

// drive plays scheduler: it runs due executions single-threaded, advancing
// the fake clock to the next wake time whenever nothing is runnable, until
// the watched execution reaches a terminal status.
func drive(t *testing.T, e *Engine, store *SQLStore, clock *fakeClock, watch string) Execution {
	t.Helper()
	for i := 0; i < 200; i++ {
		exec, err := store.Get(watch)
		if err != nil {
			t.Fatalf("get %s: %v", watch, err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		due, err := store.Due(clock.Now(), 16)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) == 0 {
			pending, err := store.NonTerminal()
			if err != nil {
				t.Fatalf("non-terminal: %v", err)
			}
			var next *time.Time
			for _, p := range pending {
				if p.WakeAt != nil && (next == nil || p.WakeAt.Before(*next)) {
					next = p.WakeAt
				}
			}
			if next == nil {
				t.Fatalf("nothing due and nothing waiting; %s stuck in %s", watch, exec.Status)
			}
			clock.Set(*next)
			continue
		}
		for _, d := range due {
			if !e.acquireLease(d.leaseKey()) {
				continue
			}
			e.runAttempt(context.Background(), workItem{id: d.ID, lease: d.leaseKey()})
		}
	}
	t.Fatalf("execution %s did not settle", watch)
	return Execution{}
}

func TestStepReplaysRecordedResult(t *testing.T) {
	clock := newFakeClock()
	var firstRuns, failures int
	def := Definition{Name: "two-step", Handler: func(run *Run) error {
		if err := run.Step("first", func() (any, error) {
			firstRuns++
			return "done", nil
		}); err != nil {
			return err
		}
		return run.Step("second", func() (any, error) {
			if failures == 0 {
				failures++
				return nil, errors.New("transient")
			}
			return "ok", nil
		})
	}}
	e, store := newTestEngine(t, openTestDB(t), clock, def)
	id, err := e.Start("two-step", map[string]string{"k": "v"}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := drive(t, e, store, clock, id)
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", exec.Status, exec.Error)
	}
	if firstRuns != 1 {
		t.Fatalf("first step ran %d times across the retry, want 1", firstRuns)
	}
	step, ok := exec.StepFor("second")
	if !ok || step.Attempts != 2 {
		t.Fatalf("second step attempts = %+v, want 2", step)
	}
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	clock := newFakeClock()
	def := Definition{Name: "doomed", Handler: func(run *Run) error {
		return run.Step("always", func() (any, error) {
			return nil, errors.New("broken pipe")
		})
	}}
	e, store := newTestEngine(t, openTestDB(t), clock, def)
	id, err := e.Start("doomed", struct{}{}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := drive(t, e, store, clock, id)
	if exec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.Error, "always") || !strings.Contains(exec.Error, "broken pipe") {
		t.Fatalf("error = %q, want step name and cause", exec.Error)
	}
	step, _ := exec.StepFor("always")
	if step.Attempts != 2 {
		t.Fatalf("attempts = %d, want the full budget of 2", step.Attempts)
	}
}

func TestDurableSleepSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t)
	var afterRuns int
	def := Definition{Name: "sleeper", Handler: func(run *Run) error {
		if err := run.Step("before", func() (any, error) { return nil, nil }); err != nil {
			return err
		}
		if err := run.Sleep(time.Hour); err != nil {
			return err
		}
		return run.Step("after", func() (any, error) {
			afterRuns++
			return nil, nil
		})
	}}
	e, store := newTestEngine(t, db, clock, def)
	id, err := e.Start("sleeper", struct{}{}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// One attempt: runs "before", then suspends on the durable timer.
	if !e.acquireLease(id) {
		t.Fatalf("lease")
	}
	e.runAttempt(context.Background(), workItem{id: id, lease: id})
	exec, err := store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != StatusSuspended {
		t.Fatalf("status = %s, want suspended", exec.Status)
	}
	if exec.WakeAt == nil || !exec.WakeAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("wake = %v, want one hour out", exec.WakeAt)
	}
	if afterRuns != 0 {
		t.Fatalf("post-sleep step ran early")
	}

	// Process restart: fresh engine over the same database.
	e2, store2 := newTestEngine(t, db, clock, def)
	if err := e2.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	exec = drive(t, e2, store2, clock, id)
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", exec.Status, exec.Error)
	}
	if afterRuns != 1 {
		t.Fatalf("post-sleep step ran %d times, want 1", afterRuns)
	}
	if clock.Now().Before(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("execution completed before the wake time")
	}
}

func TestStartIdempotencyKeyDeduplicates(t *testing.T) {
	clock := newFakeClock()
	def := Definition{Name: "noop", Handler: func(run *Run) error { return nil }}
	e, _ := newTestEngine(t, openTestDB(t), clock, def)
	opts := StartOptions{IdempotencyKey: "a.md|created|123"}
	first, err := e.Start("noop", struct{}{}, opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := e.Start("noop", struct{}{}, opts)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate start created a second execution: %s vs %s", first, second)
	}
	third, err := e.Start("noop", struct{}{}, StartOptions{IdempotencyKey: "other"})
	if err != nil {
		t.Fatalf("other start: %v", err)
	}
	if third == first {
		t.Fatalf("distinct keys shared an execution")
	}
}

func TestSpawnChildAndWait(t *testing.T) {
	clock := newFakeClock()
	var childRuns int
	child := Definition{Name: "child", Handler: func(run *Run) error {
		return run.Step("work", func() (any, error) {
			childRuns++
			return nil, nil
		})
	}}
	parent := Definition{Name: "parent", Handler: func(run *Run) error {
		var childID string
		if err := run.StepInto("spawn", func() (any, error) {
			return run.SpawnChild("child", map[string]string{"n": "1"}, "")
		}, &childID); err != nil {
			return err
		}
		return run.WaitChild(childID)
	}}
	e, store := newTestEngine(t, openTestDB(t), clock, parent, child)
	id, err := e.Start("parent", struct{}{}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := drive(t, e, store, clock, id)
	if exec.Status != StatusCompleted {
		t.Fatalf("parent status = %s (%s)", exec.Status, exec.Error)
	}
	if childRuns != 1 {
		t.Fatalf("child ran %d times, want 1", childRuns)
	}
	if len(exec.ChildIDs) != 1 {
		t.Fatalf("child ids = %v, want one", exec.ChildIDs)
	}
}

func TestChildFailureIsolatedFromParent(t *testing.T) {
	clock := newFakeClock()
	child := Definition{Name: "child", Handler: func(run *Run) error {
		return fmt.Errorf("child exploded")
	}}
	parent := Definition{Name: "parent", Handler: func(run *Run) error {
		var childID string
		return run.StepInto("spawn", func() (any, error) {
			return run.SpawnChild("child", struct{}{}, "")
		}, &childID)
	}}
	e, store := newTestEngine(t, openTestDB(t), clock, parent, child)
	id, err := e.Start("parent", struct{}{}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := drive(t, e, store, clock, id)
	if exec.Status != StatusCompleted {
		t.Fatalf("parent status = %s, want completed despite child failure", exec.Status)
	}
	childExec := drive(t, e, store, clock, exec.ChildIDs[0])
	if childExec.Status != StatusFailed {
		t.Fatalf("child status = %s, want failed", childExec.Status)
	}
}

func TestWaitChildSurfacesFailure(t *testing.T) {
	clock := newFakeClock()
	child := Definition{Name: "child", Handler: func(run *Run) error {
		return fmt.Errorf("no good")
	}}
	parent := Definition{Name: "parent", Handler: func(run *Run) error {
		var childID string
		if err := run.StepInto("spawn", func() (any, error) {
			return run.SpawnChild("child", struct{}{}, "")
		}, &childID); err != nil {
			return err
		}
		return run.WaitChild(childID)
	}}
	e, store := newTestEngine(t, openTestDB(t), clock, parent, child)
	id, err := e.Start("parent", struct{}{}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := drive(t, e, store, clock, id)
	if exec.Status != StatusFailed {
		t.Fatalf("parent status = %s, want failed via WaitChild", exec.Status)
	}
	if !strings.Contains(exec.Error, "no good") {
		t.Fatalf("parent error = %q, want child cause", exec.Error)
	}
}

func TestResumeRecoversCrashedRunning(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t)
	var runs int
	def := Definition{Name: "crashy", Handler: func(run *Run) error {
		return run.Step("work", func() (any, error) {
			runs++
			return nil, nil
		})
	}}
	e, store := newTestEngine(t, db, clock, def)
	id, err := e.Start("crashy", struct{}{}, StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Simulate a crash after the execution was marked running.
	exec, err := store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	exec.Status = StatusRunning
	if err := store.Save(exec); err != nil {
		t.Fatalf("save: %v", err)
	}

	e2, store2 := newTestEngine(t, db, clock, def)
	if err := e2.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	recovered, err := store2.Get(id)
	if err != nil {
		t.Fatalf("get recovered: %v", err)
	}
	if recovered.Status != StatusPending {
		t.Fatalf("status after resume = %s, want pending", recovered.Status)
	}
	final := drive(t, e2, store2, clock, id)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if runs != 1 {
		t.Fatalf("step ran %d times, want 1", runs)
	}
}

func TestLeaseSerializesSameKey(t *testing.T) {
	clock := newFakeClock()
	e, _ := newTestEngine(t, openTestDB(t), clock, Definition{Name: "noop", Handler: func(run *Run) error { return nil }})
	if !e.acquireLease("a.md") {
		t.Fatalf("first acquire failed")
	}
	if e.acquireLease("a.md") {
		t.Fatalf("second acquire succeeded while held")
	}
	if !e.acquireLease("b.md") {
		t.Fatalf("unrelated key blocked")
	}
	e.releaseLease("a.md")
	if !e.acquireLease("a.md") {
		t.Fatalf("acquire after release failed")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	clock := newFakeClock()
	e, _ := newTestEngine(t, openTestDB(t), clock, Definition{Name: "noop", Handler: func(run *Run) error { return nil }})
	if got := e.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("backoff(1) = %s", got)
	}
	if got := e.backoff(3); got != 400*time.Millisecond {
		t.Fatalf("backoff(3) = %s", got)
	}
	if got := e.backoff(20); got != backoffCap {
		t.Fatalf("backoff(20) = %s, want cap", got)
	}
}
