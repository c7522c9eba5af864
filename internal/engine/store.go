package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists executions and their step history.
type Store interface {
	// Create inserts the execution unless one with the same idempotency key
	// exists, in which case the existing execution is returned with created
	// set to false.
	Create(exec Execution) (Execution, bool, error)
	// Get loads an execution with its step history.
	Get(id string) (Execution, error)
	// Save persists the execution row (not its steps).
	Save(exec Execution) error
	// UpsertStep records or replaces one step of an execution.
	UpsertStep(execID string, step StepRecord) error
	// AppendChild links a child execution to its parent.
	AppendChild(parentID, childID string) error
	// Due returns non-terminal executions whose wake time has passed.
	Due(now time.Time, limit int) ([]Execution, error)
	// NonTerminal returns every pending, running, or suspended execution.
	NonTerminal() ([]Execution, error)
}

const executionSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	definition      TEXT NOT NULL,
	input           TEXT,
	status          TEXT NOT NULL,
	cursor          INTEGER NOT NULL DEFAULT 0,
	parent_id       TEXT,
	child_ids       TEXT,
	idempotency_key TEXT UNIQUE,
	lease_key       TEXT,
	wake_at         INTEGER,
	error           TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	execution_id TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	name         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	result       TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER,
	PRIMARY KEY (execution_id, name)
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_wake ON executions(wake_at);
`

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore prepares the execution tables on the shared database.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(executionSchema); err != nil {
		return nil, fmt.Errorf("engine: apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Create implements Store.
func (s *SQLStore) Create(exec Execution) (Execution, bool, error) {
	childIDs, err := json.Marshal(exec.ChildIDs)
	if err != nil {
		return Execution{}, false, fmt.Errorf("engine: encode child ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO executions (id, definition, input, status, cursor, parent_id, child_ids,
			idempotency_key, lease_key, wake_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Definition, string(exec.Input), string(exec.Status), exec.Cursor,
		nullString(exec.ParentID), string(childIDs), nullString(exec.IdempotencyKey),
		nullString(exec.LeaseKey), nullTime(exec.WakeAt), nullString(exec.Error),
		exec.CreatedAt.UnixNano(), exec.UpdatedAt.UnixNano())
	if err != nil {
		if exec.IdempotencyKey != "" && isUniqueViolation(err) {
			existing, getErr := s.getByIdempotencyKey(exec.IdempotencyKey)
			if getErr != nil {
				return Execution{}, false, getErr
			}
			return existing, false, nil
		}
		return Execution{}, false, fmt.Errorf("engine: create execution: %w", err)
	}
	return exec, true, nil
}

// Get implements Store.
func (s *SQLStore) Get(id string) (Execution, error) {
	row := s.db.QueryRow(selectExecution+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return Execution{}, err
	}
	exec.Steps, err = s.stepsFor(id)
	if err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// Save implements Store.
func (s *SQLStore) Save(exec Execution) error {
	childIDs, err := json.Marshal(exec.ChildIDs)
	if err != nil {
		return fmt.Errorf("engine: encode child ids: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE executions SET status = ?, cursor = ?, child_ids = ?, wake_at = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(exec.Status), exec.Cursor, string(childIDs), nullTime(exec.WakeAt),
		nullString(exec.Error), exec.UpdatedAt.UnixNano(), exec.ID)
	if err != nil {
		return fmt.Errorf("engine: save execution %s: %w", exec.ID, err)
	}
	return nil
}

// UpsertStep implements Store.
func (s *SQLStore) UpsertStep(execID string, step StepRecord) error {
	var finished any
	if !step.FinishedAt.IsZero() {
		finished = step.FinishedAt.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO steps (execution_id, seq, name, outcome, result, attempts, error, started_at, finished_at)
		VALUES (?, (SELECT COUNT(*) FROM steps WHERE execution_id = ?), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, name) DO UPDATE SET
			outcome = excluded.outcome,
			result = excluded.result,
			attempts = excluded.attempts,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		execID, execID, step.Name, string(step.Outcome), string(step.Result),
		step.Attempts, nullString(step.Error), step.StartedAt.UnixNano(), finished)
	if err != nil {
		return fmt.Errorf("engine: record step %s/%s: %w", execID, step.Name, err)
	}
	return nil
}

// AppendChild implements Store.
func (s *SQLStore) AppendChild(parentID, childID string) error {
	exec, err := s.Get(parentID)
	if err != nil {
		return err
	}
	for _, id := range exec.ChildIDs {
		if id == childID {
			return nil
		}
	}
	exec.ChildIDs = append(exec.ChildIDs, childID)
	childIDs, err := json.Marshal(exec.ChildIDs)
	if err != nil {
		return fmt.Errorf("engine: encode child ids: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE executions SET child_ids = ? WHERE id = ?`, string(childIDs), parentID); err != nil {
		return fmt.Errorf("engine: append child to %s: %w", parentID, err)
	}
	return nil
}

// Due implements Store.
func (s *SQLStore) Due(now time.Time, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.Query(selectExecution+`
		WHERE status IN (?, ?) AND (wake_at IS NULL OR wake_at <= ?)
		ORDER BY COALESCE(wake_at, 0), created_at
		LIMIT ?`,
		string(StatusPending), string(StatusSuspended), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("engine: query due executions: %w", err)
	}
	return s.collect(rows)
}

// NonTerminal implements Store.
func (s *SQLStore) NonTerminal() ([]Execution, error) {
	rows, err := s.db.Query(selectExecution+` WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(StatusPending), string(StatusRunning), string(StatusSuspended))
	if err != nil {
		return nil, fmt.Errorf("engine: query non-terminal executions: %w", err)
	}
	return s.collect(rows)
}

const selectExecution = `
	SELECT id, definition, COALESCE(input, ''), status, cursor, COALESCE(parent_id, ''),
		COALESCE(child_ids, '[]'), COALESCE(idempotency_key, ''), COALESCE(lease_key, ''),
		wake_at, COALESCE(error, ''), created_at, updated_at
	FROM executions`

func (s *SQLStore) getByIdempotencyKey(key string) (Execution, error) {
	row := s.db.QueryRow(selectExecution+` WHERE idempotency_key = ?`, key)
	exec, err := scanExecution(row)
	if err != nil {
		return Execution{}, fmt.Errorf("engine: load by idempotency key: %w", err)
	}
	exec.Steps, err = s.stepsFor(exec.ID)
	if err != nil {
		return Execution{}, err
	}
	return exec, nil
}

func (s *SQLStore) stepsFor(execID string) ([]StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT name, outcome, COALESCE(result, ''), attempts, COALESCE(error, ''), started_at, finished_at
		FROM steps WHERE execution_id = ? ORDER BY seq`, execID)
	if err != nil {
		return nil, fmt.Errorf("engine: load steps for %s: %w", execID, err)
	}
	defer rows.Close()
	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		var outcome, result string
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&step.Name, &outcome, &result, &step.Attempts, &step.Error, &started, &finished); err != nil {
			return nil, err
		}
		step.Outcome = StepOutcome(outcome)
		if result != "" {
			step.Result = json.RawMessage(result)
		}
		step.StartedAt = time.Unix(0, started)
		if finished.Valid {
			step.FinishedAt = time.Unix(0, finished.Int64)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLStore) collect(rows *sql.Rows) ([]Execution, error) {
	var execs []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range execs {
		steps, err := s.stepsFor(execs[i].ID)
		if err != nil {
			return nil, err
		}
		execs[i].Steps = steps
	}
	return execs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (Execution, error) {
	var exec Execution
	var input, status, childIDs string
	var wake sql.NullInt64
	var created, updated int64
	if err := row.Scan(&exec.ID, &exec.Definition, &input, &status, &exec.Cursor, &exec.ParentID,
		&childIDs, &exec.IdempotencyKey, &exec.LeaseKey, &wake, &exec.Error, &created, &updated); err != nil {
		return Execution{}, err
	}
	if input != "" {
		exec.Input = json.RawMessage(input)
	}
	exec.Status = Status(status)
	if childIDs != "" && childIDs != "null" {
		if err := json.Unmarshal([]byte(childIDs), &exec.ChildIDs); err != nil {
			return Execution{}, fmt.Errorf("engine: decode child ids for %s: %w", exec.ID, err)
		}
	}
	if wake.Valid {
		t := time.Unix(0, wake.Int64)
		exec.WakeAt = &t
	}
	exec.CreatedAt = time.Unix(0, created)
	exec.UpdatedAt = time.Unix(0, updated)
	return exec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
