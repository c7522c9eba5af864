package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run is the handle a workflow handler drives. Its methods are the only
// legal way to perform effects: each one checkpoints through the store so a
// crash between side effect and record degrades to a retry, never a loss.
type Run struct {
	engine   *Engine
	ctx      context.Context
	exec     *Execution
	sleepSeq int
}

// ID returns the execution id.
func (r *Run) ID() string { return r.exec.ID }

// Context returns the engine's run context for steps that call out.
func (r *Run) Context() context.Context { return r.ctx }

// Input decodes the execution's input payload into out.
func (r *Run) Input(out any) error {
	if len(r.exec.Input) == 0 {
		return errors.New("engine: execution has no input")
	}
	if err := json.Unmarshal(r.exec.Input, out); err != nil {
		return fmt.Errorf("engine: decode input for %s: %w", r.exec.ID, err)
	}
	return nil
}

// Logf writes a line tagged with the execution id.
func (r *Run) Logf(format string, args ...any) {
	r.engine.logger.Printf("[%s/%s] %s", r.exec.Definition, shortID(r.exec.ID), fmt.Sprintf(format, args...))
}

// Step executes fn only if name has no recorded success for this execution.
// On success the serialized result is persisted and the cursor advances; on
// failure the attempt is persisted and the execution backs off before a
// retry. Retry exhaustion surfaces a *StepError, which fails the execution
// when the handler returns it.
func (r *Run) Step(name string, fn func() (any, error)) error {
	_, err := r.step(name, fn)
	return err
}

// StepInto is Step plus decoding of the recorded result into out. On replay
// the prior result is decoded without re-executing fn.
func (r *Run) StepInto(name string, fn func() (any, error), out any) error {
	result, err := r.step(name, fn)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("engine: decode step %s result: %w", name, err)
	}
	return nil
}

func (r *Run) step(name string, fn func() (any, error)) (json.RawMessage, error) {
	// Cooperative cancellation, checked only between steps.
	if err := r.ctx.Err(); err != nil {
		return nil, r.suspendAt(r.engine.now())
	}
	record, exists := r.exec.StepFor(name)
	if exists && record.Outcome == OutcomeSucceeded {
		return record.Result, nil
	}
	now := r.engine.now()
	if !exists {
		record = StepRecord{Name: name, StartedAt: now}
	}
	value, err := fn()
	finished := r.engine.now()
	if err != nil {
		record.Outcome = OutcomeFailed
		record.Attempts++
		record.Error = err.Error()
		record.FinishedAt = finished
		if persistErr := r.engine.store.UpsertStep(r.exec.ID, record); persistErr != nil {
			return nil, persistErr
		}
		r.replaceStep(record)
		if record.Attempts >= r.engine.maxAttempts {
			return nil, &StepError{Step: name, Attempts: record.Attempts, Err: err}
		}
		r.Logf("step %s attempt %d failed, backing off: %v", name, record.Attempts, err)
		return nil, r.suspendAt(finished.Add(r.engine.backoff(record.Attempts)))
	}
	encoded, encodeErr := json.Marshal(value)
	if encodeErr != nil {
		return nil, fmt.Errorf("engine: encode step %s result: %w", name, encodeErr)
	}
	record.Outcome = OutcomeSucceeded
	record.Result = encoded
	record.Attempts++
	record.Error = ""
	record.FinishedAt = finished
	if persistErr := r.engine.store.UpsertStep(r.exec.ID, record); persistErr != nil {
		return nil, persistErr
	}
	r.replaceStep(record)
	r.exec.Cursor++
	r.exec.UpdatedAt = finished
	if err := r.engine.store.Save(*r.exec); err != nil {
		return nil, err
	}
	return encoded, nil
}

// Sleep persists a wake time and suspends the execution without holding a
// worker. The scheduler resumes it at or after the wake time, across process
// restarts. Each call site gets its own durable timer.
func (r *Run) Sleep(d time.Duration) error {
	r.sleepSeq++
	name := fmt.Sprintf("sleep#%d", r.sleepSeq)
	record, exists := r.exec.StepFor(name)
	if exists && record.Outcome == OutcomeSucceeded {
		return nil
	}
	now := r.engine.now()
	if !exists {
		wake := now.Add(d)
		encoded, err := json.Marshal(wake)
		if err != nil {
			return fmt.Errorf("engine: encode wake time: %w", err)
		}
		record = StepRecord{Name: name, Outcome: OutcomeWaiting, Result: encoded, StartedAt: now}
		if err := r.engine.store.UpsertStep(r.exec.ID, record); err != nil {
			return err
		}
		r.replaceStep(record)
		return r.suspendAt(wake)
	}
	var wake time.Time
	if err := json.Unmarshal(record.Result, &wake); err != nil {
		return fmt.Errorf("engine: decode wake time for %s: %w", name, err)
	}
	if now.Before(wake) {
		return r.suspendAt(wake)
	}
	record.Outcome = OutcomeSucceeded
	record.Attempts++
	record.FinishedAt = now
	if err := r.engine.store.UpsertStep(r.exec.ID, record); err != nil {
		return err
	}
	r.replaceStep(record)
	r.exec.Cursor++
	return nil
}

// SpawnChild creates an independent execution of def. The child's idempotency
// key is derived from the parent id and input, so replays return the same
// child instead of duplicating it. A child's failure never fails the parent
// unless the parent explicitly awaits it.
func (r *Run) SpawnChild(def string, input any, leaseKey string) (string, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("engine: encode child input: %w", err)
	}
	digest := sha256.Sum256(encoded)
	key := fmt.Sprintf("child|%s|%s|%s", r.exec.ID, def, hex.EncodeToString(digest[:8]))
	childID, err := r.engine.start(def, encoded, StartOptions{
		IdempotencyKey: key,
		LeaseKey:       leaseKey,
		ParentID:       r.exec.ID,
	})
	if err != nil {
		return "", err
	}
	if err := r.engine.store.AppendChild(r.exec.ID, childID); err != nil {
		return "", err
	}
	// Mirror the append so a later Save of the in-memory snapshot keeps it.
	known := false
	for _, id := range r.exec.ChildIDs {
		if id == childID {
			known = true
			break
		}
	}
	if !known {
		r.exec.ChildIDs = append(r.exec.ChildIDs, childID)
	}
	return childID, nil
}

// WaitChild suspends until the child reaches a terminal status, then returns
// nil for completion or ErrChildFailed.
func (r *Run) WaitChild(childID string) error {
	child, err := r.engine.store.Get(childID)
	if err != nil {
		return err
	}
	switch child.Status {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: %s (%s)", ErrChildFailed, childID, child.Error)
	default:
		return r.suspendAt(r.engine.now().Add(r.engine.childPoll))
	}
}

// suspendAt persists the wake time and raises the suspend sentinel, which
// the handler is expected to propagate.
func (r *Run) suspendAt(wake time.Time) error {
	r.exec.WakeAt = &wake
	return errSuspend
}

func (r *Run) replaceStep(record StepRecord) {
	for i, step := range r.exec.Steps {
		if step.Name == record.Name {
			r.exec.Steps[i] = record
			return
		}
	}
	r.exec.Steps = append(r.exec.Steps, record)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
