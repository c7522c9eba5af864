package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/loom/internal/logging"
)

const (
	defaultMaxAttempts  = 3
	defaultWorkers      = 4
	defaultPollInterval = 250 * time.Millisecond
	defaultChildPoll    = 500 * time.Millisecond
	backoffBase         = 100 * time.Millisecond
	backoffCap          = 30 * time.Second
)

// Engine schedules durable workflow executions over a bounded worker pool.
// Each execution's steps run strictly sequentially; many executions run
// concurrently, with an in-process lease guaranteeing at most one in-flight
// attempt per lease key.
type Engine struct {
	registry *Registry
	store    Store
	logger   logging.Sink
	clock    func() time.Time

	maxAttempts  int
	workers      int
	pollInterval time.Duration
	childPoll    time.Duration

	mu     sync.Mutex
	leases map[string]struct{}

	queue   chan workItem
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger injects the activity log sink.
func WithLogger(logger logging.Sink) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkers bounds the worker pool.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxAttempts sets the per-step retry budget.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithPollInterval tunes how often the scheduler looks for due executions.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithChildPoll tunes how often WaitChild re-checks an awaited child.
func WithChildPoll(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.childPoll = d
		}
	}
}

// New wires an engine to the definition registry and persistence store.
func New(registry *Registry, store Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine: definition registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	e := &Engine{
		registry:     registry,
		store:        store,
		logger:       logging.Discard{},
		clock:        time.Now,
		maxAttempts:  defaultMaxAttempts,
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
		childPoll:    defaultChildPoll,
		leases:       map[string]struct{}{},
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = make(chan workItem, e.workers*4)
	return e, nil
}

// StartOptions controls execution creation.
type StartOptions struct {
	// IdempotencyKey deduplicates starts: a repeated call with the same key
	// returns the existing execution id instead of creating another.
	IdempotencyKey string
	// LeaseKey serializes this execution against others sharing the key.
	LeaseKey string
	// ParentID links a child execution to its parent.
	ParentID string
}

// Start durably creates an execution of the named definition.
func (e *Engine) Start(definition string, input any, opts StartOptions) (string, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("engine: encode input: %w", err)
	}
	return e.start(definition, encoded, opts)
}

func (e *Engine) start(definition string, input json.RawMessage, opts StartOptions) (string, error) {
	if _, ok := e.registry.Resolve(definition); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDefinition, definition)
	}
	now := e.now()
	exec := Execution{
		ID:             uuid.NewString(),
		Definition:     definition,
		Input:          input,
		Status:         StatusPending,
		IdempotencyKey: opts.IdempotencyKey,
		LeaseKey:       opts.LeaseKey,
		ParentID:       opts.ParentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := e.store.Create(exec)
	if err != nil {
		return "", err
	}
	if created {
		e.logger.Printf("engine: started %s (%s)", definition, shortID(stored.ID))
	}
	return stored.ID, nil
}

// Status returns the current execution snapshot.
func (e *Engine) Status(executionID string) (Execution, error) {
	return e.store.Get(executionID)
}

// Resume re-queues every non-terminal execution after a process restart.
// Executions caught running mid-crash fall back to pending; each resumes at
// its last completed step, never replaying a recorded success.
func (e *Engine) Resume() error {
	execs, err := e.store.NonTerminal()
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.Status != StatusRunning {
			continue
		}
		exec.Status = StatusPending
		exec.WakeAt = nil
		exec.UpdatedAt = e.now()
		if err := e.store.Save(exec); err != nil {
			return err
		}
		e.logger.Printf("engine: recovered %s (%s) at step %d", exec.Definition, shortID(exec.ID), exec.Cursor)
	}
	return nil
}

// Run drives the scheduler until ctx is cancelled. It blocks.
func (e *Engine) Run(ctx context.Context) error {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.once.Do(func() { close(e.stopped) })
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.dispatchDue()
		}
	}
}

func (e *Engine) dispatchDue() {
	due, err := e.store.Due(e.now(), e.workers*4)
	if err != nil {
		e.logger.Printf("engine: query due executions: %v", err)
		return
	}
	for _, exec := range due {
		if !e.acquireLease(exec.leaseKey()) {
			continue
		}
		select {
		case e.queue <- workItem{id: exec.ID, lease: exec.leaseKey()}:
		default:
			// Queue full; the next tick retries.
			e.releaseLease(exec.leaseKey())
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopped:
			return
		case item := <-e.queue:
			e.runAttempt(ctx, item)
		}
	}
}

// workItem pairs an execution id with the lease its dispatch acquired.
type workItem struct {
	id    string
	lease string
}

// runAttempt performs one scheduling attempt of an execution: load, mark
// running, re-invoke the handler from the top (recorded steps replay from
// their results), then persist the resulting status.
func (e *Engine) runAttempt(ctx context.Context, item workItem) {
	defer e.releaseLease(item.lease)
	id := item.id
	exec, err := e.store.Get(id)
	if err != nil {
		e.logger.Printf("engine: load %s: %v", shortID(id), err)
		return
	}
	if exec.Status.Terminal() || exec.Status == StatusRunning {
		return
	}
	exec.Status = StatusRunning
	exec.WakeAt = nil
	exec.UpdatedAt = e.now()
	if err := e.store.Save(exec); err != nil {
		e.logger.Printf("engine: mark running %s: %v", shortID(id), err)
		return
	}
	def, ok := e.registry.Resolve(exec.Definition)
	if !ok {
		e.fail(&exec, fmt.Errorf("%w: %s", ErrUnknownDefinition, exec.Definition))
		return
	}
	run := &Run{engine: e, ctx: ctx, exec: &exec}
	err = def.Handler(run)
	now := e.now()
	switch {
	case err == nil:
		exec.Status = StatusCompleted
		exec.WakeAt = nil
		exec.Error = ""
		exec.UpdatedAt = now
		if saveErr := e.store.Save(exec); saveErr != nil {
			e.logger.Printf("engine: persist completion of %s: %v", shortID(id), saveErr)
		}
		e.logger.Printf("engine: completed %s (%s)", exec.Definition, shortID(exec.ID))
	case errors.Is(err, errSuspend):
		exec.Status = StatusSuspended
		exec.UpdatedAt = now
		if saveErr := e.store.Save(exec); saveErr != nil {
			e.logger.Printf("engine: persist suspension of %s: %v", shortID(id), saveErr)
		}
	default:
		e.fail(&exec, err)
	}
}

// fail marks an execution failed. Failure never propagates to siblings or
// the parent; parents observe it only through WaitChild.
func (e *Engine) fail(exec *Execution, cause error) {
	exec.Status = StatusFailed
	exec.Error = cause.Error()
	exec.WakeAt = nil
	exec.UpdatedAt = e.now()
	if err := e.store.Save(*exec); err != nil {
		e.logger.Printf("engine: persist failure of %s: %v", shortID(exec.ID), err)
	}
	e.logger.Printf("engine: failed %s (%s): %v", exec.Definition, shortID(exec.ID), cause)
}

func (e *Engine) acquireLease(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.leases[key]; held {
		return false
	}
	e.leases[key] = struct{}{}
	return true
}

func (e *Engine) releaseLease(key string) {
	e.mu.Lock()
	delete(e.leases, key)
	e.mu.Unlock()
}

// backoff computes the bounded exponential delay before retry n+1.
func (e *Engine) backoff(attempts int) time.Duration {
	d := backoffBase << uint(attempts-1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
