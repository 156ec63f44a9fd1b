package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/hermes/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id       TEXT PRIMARY KEY,
    agent_id      TEXT NOT NULL DEFAULT '',
    command_type  TEXT NOT NULL,
    parameters    BLOB,
    state         TEXT NOT NULL,
    created_by    TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL,
    not_before    DATETIME NOT NULL,
    deadline      DATETIME,
    timeout_s     INTEGER NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_retries   INTEGER NOT NULL DEFAULT 0,
    result_json   BLOB,
    failure       TEXT NOT NULL DEFAULT ''
)`

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS task_attempts (
    task_id        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    agent_id       TEXT NOT NULL,
    dispatched_at  DATETIME NOT NULL,
    transport_ack  INTEGER NOT NULL DEFAULT 0,
    ended_at       DATETIME,
    PRIMARY KEY (task_id, attempt_number)
)`

const createChunksTable = `
CREATE TABLE IF NOT EXISTS result_chunks (
    task_id        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    seq            INTEGER NOT NULL,
    payload        BLOB,
    received_at    DATETIME NOT NULL,
    PRIMARY KEY (task_id, attempt_number, seq)
)`

const createAgentsTable = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id       TEXT PRIMARY KEY,
    hostname       TEXT NOT NULL DEFAULT '',
    platform       TEXT NOT NULL DEFAULT '',
    version        TEXT NOT NULL DEFAULT '',
    capabilities   TEXT NOT NULL DEFAULT '[]',
    max_in_flight  INTEGER NOT NULL,
    first_seen     DATETIME NOT NULL,
    last_heartbeat DATETIME NOT NULL
)`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (state, not_before, created_at, task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks (state, deadline)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_open ON task_attempts (agent_id, ended_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents (last_heartbeat)`,
}

// maxClaimRetries bounds how many lost claim races one ClaimNextTask call
// absorbs before reporting "nothing eligible" and letting the caller's next
// tick try again.
const maxClaimRetries = 5

const taskColumns = `task_id, agent_id, command_type, parameters, state, created_by,
	created_at, updated_at, not_before, deadline, timeout_s, attempt_count, max_retries,
	result_json, failure`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createAttemptsTable, createChunksTable, createAgentsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range createIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	resultJSON, err := marshalResult(t.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			task_id, agent_id, command_type, parameters, state, created_by,
			created_at, updated_at, not_before, deadline, timeout_s, attempt_count,
			max_retries, result_json, failure
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.CommandType, []byte(t.Parameters), t.State, t.CreatedBy,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.NotBefore.UTC(), nullableTime(t.Deadline), t.TimeoutS, t.AttemptCount,
		t.MaxRetries, resultJSON, t.Failure,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("task %s already exists: %w", t.ID, model.ErrConflict)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a filtered, paginated list of tasks ordered newest first,
// along with the total count matching the filter.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	where, args := buildTaskFilter(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+
			` ORDER BY created_at DESC, task_id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// GetTaskStats returns aggregate counts by state and command type, plus the
// average attempt count across terminal tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByState:   make(map[string]int),
		CountByCommand: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	if err := scanCounts(rows, stats.CountByState); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT command_type, COUNT(*) FROM tasks GROUP BY command_type")
	if err != nil {
		return nil, fmt.Errorf("count by command: %w", err)
	}
	if err := scanCounts(rows, stats.CountByCommand); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(attempt_count), 0) FROM tasks WHERE state IN (?, ?, ?, ?)`,
		model.StateCompleted, model.StateFailed, model.StateTimedOut, model.StateCancelled,
	).Scan(&stats.AvgAttempts)
	if err != nil {
		return nil, fmt.Errorf("average attempts: %w", err)
	}

	return stats, nil
}

// ClaimNextTask claims the oldest eligible queued task for the agent. The
// selection runs outside the write, so a concurrent claimer may win the same
// candidate; the state-guarded UPDATE detects that and the loop moves on to
// the next candidate.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context, agentID string, capabilities []string, now time.Time) (*model.Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}
	now = now.UTC()

	placeholders := strings.Repeat("?,", len(capabilities))
	placeholders = placeholders[:len(placeholders)-1]
	selectQuery := `SELECT task_id, timeout_s FROM tasks
		WHERE state = ? AND not_before <= ? AND (agent_id = ? OR agent_id = '')
		AND command_type IN (` + placeholders + `)
		ORDER BY created_at, task_id LIMIT 1`

	args := make([]any, 0, len(capabilities)+3)
	args = append(args, model.StateQueued, now, agentID)
	for _, c := range capabilities {
		args = append(args, c)
	}

	for i := 0; i < maxClaimRetries; i++ {
		var taskID string
		var timeoutS int
		err := s.db.QueryRowContext(ctx, selectQuery, args...).Scan(&taskID, &timeoutS)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		t, err := s.claimTask(ctx, taskID, agentID, timeoutS, now)
		if errors.Is(err, model.ErrConflict) {
			continue // lost the race, pick another candidate
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, nil
}

// claimTask performs the guarded QUEUED→DISPATCHED transition for one task
// and records the dispatch attempt, atomically.
func (s *SQLiteStore) claimTask(ctx context.Context, taskID, agentID string, timeoutS int, now time.Time) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	deadline := now.Add(time.Duration(timeoutS) * time.Second)

	var attempt int
	err = tx.QueryRowContext(ctx,
		`UPDATE tasks SET state = ?, attempt_count = attempt_count + 1, deadline = ?, updated_at = ?
		WHERE task_id = ? AND state = ?
		RETURNING attempt_count`,
		model.StateDispatched, deadline, now, taskID, model.StateQueued,
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, attempt_number, agent_id, dispatched_at, transport_ack)
		VALUES (?, ?, ?, ?, 0)`,
		taskID, attempt, agentID, now,
	); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("read claimed task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

// RequeueTask returns a dispatched task to the queue for a later attempt.
func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID string, attempt int, notBefore time.Time) error {
	return s.transition(ctx, taskID, attempt,
		`UPDATE tasks SET state = ?, not_before = ?, deadline = NULL, updated_at = ?
		WHERE task_id = ? AND state = ? AND attempt_count = ?`,
		model.StateQueued, notBefore.UTC(), time.Now().UTC(), taskID, model.StateDispatched, attempt,
	)
}

// FinishTask moves a dispatched task to COMPLETED or FAILED with its result.
func (s *SQLiteStore) FinishTask(ctx context.Context, taskID string, attempt int, state string, result *model.TaskResult, failure string) error {
	if state != model.StateCompleted && state != model.StateFailed {
		return fmt.Errorf("finish to %s: %w", state, model.ErrInvalidTransition)
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	return s.transition(ctx, taskID, attempt,
		`UPDATE tasks SET state = ?, result_json = ?, failure = ?, updated_at = ?
		WHERE task_id = ? AND state = ? AND attempt_count = ?`,
		state, resultJSON, failure, time.Now().UTC(), taskID, model.StateDispatched, attempt,
	)
}

// TimeoutTask moves a dispatched task to TIMED_OUT.
func (s *SQLiteStore) TimeoutTask(ctx context.Context, taskID string, attempt int, reason string) error {
	return s.transition(ctx, taskID, attempt,
		`UPDATE tasks SET state = ?, failure = ?, updated_at = ?
		WHERE task_id = ? AND state = ? AND attempt_count = ?`,
		model.StateTimedOut, reason, time.Now().UTC(), taskID, model.StateDispatched, attempt,
	)
}

// transition runs one guarded task update plus the closing of the open
// attempt row in a single transaction. A guard miss is classified as not-found
// or conflict by re-reading the task.
func (s *SQLiteStore) transition(ctx context.Context, taskID string, attempt int, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		tx.Rollback()
		return s.classifyMiss(ctx, taskID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_attempts SET ended_at = ? WHERE task_id = ? AND attempt_number = ? AND ended_at IS NULL`,
		time.Now().UTC(), taskID, attempt,
	); err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// CancelTask moves a queued or dispatched task to CANCELLED.
func (s *SQLiteStore) CancelTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE task_id = ? AND state IN (?, ?)`,
		model.StateCancelled, time.Now().UTC(), taskID, model.StateQueued, model.StateDispatched,
	)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		tx.Rollback()
		return s.classifyMiss(ctx, taskID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_attempts SET ended_at = ? WHERE task_id = ? AND ended_at IS NULL`,
		time.Now().UTC(), taskID,
	); err != nil {
		return fmt.Errorf("close attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

// classifyMiss distinguishes "task does not exist" from "task exists but the
// state/attempt guard did not match" after a zero-row conditional update.
func (s *SQLiteStore) classifyMiss(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s at attempt %d: %w", taskID, t.State, t.AttemptCount, model.ErrConflict)
}

// ListAttempts returns the dispatch history of a task, oldest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, taskID string) ([]model.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, attempt_number, agent_id, dispatched_at, transport_ack, ended_at
		FROM task_attempts WHERE task_id = ? ORDER BY attempt_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []model.TaskAttempt{}
	for rows.Next() {
		var a model.TaskAttempt
		if err := rows.Scan(&a.TaskID, &a.AttemptNumber, &a.AgentID, &a.DispatchedAt, &a.TransportAck, &a.EndedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// AckAttempt marks an attempt as acknowledged by the transport.
func (s *SQLiteStore) AckAttempt(ctx context.Context, taskID string, attempt int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_attempts SET transport_ack = 1 WHERE task_id = ? AND attempt_number = ?`,
		taskID, attempt,
	)
	if err != nil {
		return fmt.Errorf("ack attempt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListExpiredTasks returns dispatched tasks whose deadline passed before cutoff.
func (s *SQLiteStore) ListExpiredTasks(ctx context.Context, cutoff time.Time, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE state = ? AND deadline IS NOT NULL AND deadline < ?
		ORDER BY deadline LIMIT ?`,
		model.StateDispatched, cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksDispatchedTo returns tasks whose current attempt is open on the
// given agent.
func (s *SQLiteStore) ListTasksDispatchedTo(ctx context.Context, agentID string) ([]*model.Task, error) {
	cols := "t." + strings.ReplaceAll(taskColumns, ", ", ", t.")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cols+` FROM tasks t
		JOIN task_attempts a ON a.task_id = t.task_id AND a.attempt_number = t.attempt_count
		WHERE t.state = ? AND a.agent_id = ?
		ORDER BY t.created_at, t.task_id`,
		model.StateDispatched, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatched tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// InsertResultChunk stores one result fragment, reporting false on redelivery.
func (s *SQLiteStore) InsertResultChunk(ctx context.Context, c *model.ResultChunk) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO result_chunks (task_id, attempt_number, seq, payload, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.TaskID, c.AttemptNumber, c.Sequence, c.Payload, c.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert result chunk: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListResultChunks returns the stored fragments for one attempt in sequence order.
func (s *SQLiteStore) ListResultChunks(ctx context.Context, taskID string, attempt int) ([]model.ResultChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, attempt_number, seq, payload, received_at
		FROM result_chunks WHERE task_id = ? AND attempt_number = ? ORDER BY seq`,
		taskID, attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("list result chunks: %w", err)
	}
	defer rows.Close()

	chunks := []model.ResultChunk{}
	for rows.Next() {
		var c model.ResultChunk
		if err := rows.Scan(&c.TaskID, &c.AttemptNumber, &c.Sequence, &c.Payload, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan result chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result chunks: %w", err)
	}
	return chunks, nil
}

// UpsertAgent inserts or refreshes an agent record. first_seen is preserved
// across refreshes.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *model.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			version = excluded.version,
			capabilities = excluded.capabilities,
			max_in_flight = excluded.max_in_flight,
			last_heartbeat = excluded.last_heartbeat`,
		a.ID, a.Hostname, a.Platform, a.Version, string(caps), a.MaxInFlight,
		a.FirstSeen.UTC(), a.LastHeartbeat.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat
		FROM agents WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all known agents ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat
		FROM agents ORDER BY agent_id`)
}

// ListSilentAgents returns agents whose last heartbeat is older than cutoff.
func (s *SQLiteStore) ListSilentAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat
		FROM agents WHERE last_heartbeat < ? ORDER BY agent_id`, cutoff.UTC())
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// CountInFlight counts the agent's open dispatch attempts.
func (s *SQLiteStore) CountInFlight(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_attempts WHERE agent_id = ? AND ended_at IS NULL`, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*model.Task, error) {
	t := &model.Task{}
	var params, resultJSON []byte
	err := sc.Scan(
		&t.ID, &t.AgentID, &t.CommandType, &params, &t.State, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt, &t.NotBefore, &t.Deadline, &t.TimeoutS, &t.AttemptCount,
		&t.MaxRetries, &resultJSON, &t.Failure,
	)
	if err != nil {
		return nil, err
	}
	t.Parameters = params
	if len(resultJSON) > 0 {
		t.Result = &model.TaskResult{}
		if err := json.Unmarshal(resultJSON, t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanAgent(sc scanner) (*model.Agent, error) {
	a := &model.Agent{}
	var caps string
	err := sc.Scan(&a.ID, &a.Hostname, &a.Platform, &a.Version, &caps, &a.MaxInFlight, &a.FirstSeen, &a.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return a, nil
}

func scanCounts(rows *sql.Rows, into map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate counts: %w", err)
	}
	return nil
}

func buildTaskFilter(f TaskFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, f.State)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.CommandType != "" {
		clauses = append(clauses, "command_type = ?")
		args = append(args, f.CommandType)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func marshalResult(r *model.TaskResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
