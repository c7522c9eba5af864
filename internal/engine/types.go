// Package engine is the durable workflow engine: it persists, schedules,
// executes, retries, and resumes workflow executions, and supports durable
// sleep and child workflows. Handlers are written as step sequences; a step
// whose success is recorded is never executed again.
package engine

import (
	"encoding/json"
	"errors"
	"time"
)

// Status enumerates the execution lifecycle:
// pending -> running -> (suspended <-> running)* -> completed | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepOutcome records how a step attempt ended.
type StepOutcome string

const (
	// OutcomeSucceeded means the step result is recorded and replay-safe.
	OutcomeSucceeded StepOutcome = "succeeded"
	// OutcomeFailed means the last attempt failed; the step may still retry.
	OutcomeFailed StepOutcome = "failed"
	// OutcomeWaiting marks a durable sleep whose wake has not fired yet.
	OutcomeWaiting StepOutcome = "waiting"
)

// StepRecord is one entry in an execution's ordered step history.
type StepRecord struct {
	Name       string          `json:"name"`
	Outcome    StepOutcome     `json:"outcome"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Execution is one durable, resumable run of a workflow definition.
type Execution struct {
	ID             string          `json:"id"`
	Definition     string          `json:"definition"`
	Input          json.RawMessage `json:"input,omitempty"`
	Status         Status          `json:"status"`
	Cursor         int             `json:"cursor"`
	Steps          []StepRecord    `json:"steps,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	ChildIDs       []string        `json:"child_ids,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	// LeaseKey serializes executions: at most one execution per key runs at
	// a time. Mutation workflows use the document path.
	LeaseKey  string     `json:"lease_key,omitempty"`
	WakeAt    *time.Time `json:"wake_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StepFor returns the recorded step with the given name, if any.
func (e *Execution) StepFor(name string) (StepRecord, bool) {
	for _, step := range e.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepRecord{}, false
}

// leaseKey falls back to the execution id so unrelated executions never
// contend.
func (e *Execution) leaseKey() string {
	if e.LeaseKey != "" {
		return e.LeaseKey
	}
	return e.ID
}

var (
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("engine: execution not found")
	// ErrUnknownDefinition is returned when starting an unregistered workflow.
	ErrUnknownDefinition = errors.New("engine: unknown workflow definition")
	// ErrChildFailed is returned by WaitChild when the awaited child failed.
	ErrChildFailed = errors.New("engine: child execution failed")

	// errSuspend is the control-flow sentinel a Run returns through the
	// handler to park the execution without holding a worker.
	errSuspend = errors.New("engine: execution suspended")
)

// StepError marks a step that exhausted its retry budget. Only this failure
// mode fails an execution.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

// Error implements error.
func (e *StepError) Error() string {
	return "engine: step " + e.Step + " failed permanently: " + e.Err.Error()
}

// Unwrap exposes the underlying step error.
func (e *StepError) Unwrap() error { return e.Err }
