package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/seantiz/hermes/internal/model"
)

const pgCreateTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id       TEXT PRIMARY KEY,
    agent_id      TEXT NOT NULL DEFAULT '',
    command_type  TEXT NOT NULL,
    parameters    BYTEA,
    state         TEXT NOT NULL,
    created_by    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    not_before    TIMESTAMPTZ NOT NULL,
    deadline      TIMESTAMPTZ,
    timeout_s     INTEGER NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_retries   INTEGER NOT NULL DEFAULT 0,
    result_json   BYTEA,
    failure       TEXT NOT NULL DEFAULT ''
)`

const pgCreateAttemptsTable = `
CREATE TABLE IF NOT EXISTS task_attempts (
    task_id        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    agent_id       TEXT NOT NULL,
    dispatched_at  TIMESTAMPTZ NOT NULL,
    transport_ack  BOOLEAN NOT NULL DEFAULT FALSE,
    ended_at       TIMESTAMPTZ,
    PRIMARY KEY (task_id, attempt_number)
)`

const pgCreateChunksTable = `
CREATE TABLE IF NOT EXISTS result_chunks (
    task_id        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    seq            INTEGER NOT NULL,
    payload        BYTEA,
    received_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (task_id, attempt_number, seq)
)`

const pgCreateAgentsTable = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id       TEXT PRIMARY KEY,
    hostname       TEXT NOT NULL DEFAULT '',
    platform       TEXT NOT NULL DEFAULT '',
    version        TEXT NOT NULL DEFAULT '',
    capabilities   TEXT[] NOT NULL DEFAULT '{}',
    max_in_flight  INTEGER NOT NULL,
    first_seen     TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL
)`

var pgCreateIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (state, not_before, created_at, task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks (state, deadline)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_open ON task_attempts (agent_id, ended_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents (last_heartbeat)`,
}

// claimQuery locks one eligible candidate and flips it to DISPATCHED in a
// single statement. SKIP LOCKED lets concurrent claimers pass over rows
// another transaction already holds instead of blocking on them.
const claimQuery = `
WITH candidate AS (
    SELECT task_id FROM tasks
    WHERE state = $1 AND not_before <= $2 AND (agent_id = $3 OR agent_id = '')
      AND command_type = ANY($4)
    ORDER BY created_at, task_id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE tasks t
SET state = $5,
    attempt_count = t.attempt_count + 1,
    deadline = $2::timestamptz + make_interval(secs => t.timeout_s),
    updated_at = $2
FROM candidate c
WHERE t.task_id = c.task_id
RETURNING t.task_id, t.attempt_count`

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle. The caller is
// responsible for migrations; see OpenPostgres for the full setup path.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to PostgreSQL, tunes the pool, and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{pgCreateTasksTable, pgCreateAttemptsTable, pgCreateChunksTable, pgCreateAgentsTable} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range pgCreateIndexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	resultJSON, err := marshalResult(t.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			task_id, agent_id, command_type, parameters, state, created_by,
			created_at, updated_at, not_before, deadline, timeout_s, attempt_count,
			max_retries, result_json, failure
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.AgentID, t.CommandType, []byte(t.Parameters), t.State, t.CreatedBy,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.NotBefore.UTC(), nullableTime(t.Deadline), t.TimeoutS, t.AttemptCount,
		t.MaxRetries, resultJSON, t.Failure,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s already exists: %w", t.ID, model.ErrConflict)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	where, args := buildPgTaskFilter(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	n := len(args)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks`+where+
			` ORDER BY created_at DESC, task_id DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
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

func (s *PostgresStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
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
		`SELECT COALESCE(AVG(attempt_count), 0) FROM tasks WHERE state = ANY($1)`,
		pq.Array([]string{model.StateCompleted, model.StateFailed, model.StateTimedOut, model.StateCancelled}),
	).Scan(&stats.AvgAttempts)
	if err != nil {
		return nil, fmt.Errorf("average attempts: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) ClaimNextTask(ctx context.Context, agentID string, capabilities []string, now time.Time) (*model.Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var taskID string
	var attempt int
	err = tx.QueryRowContext(ctx, claimQuery,
		model.StateQueued, now, agentID, pq.Array(capabilities), model.StateDispatched,
	).Scan(&taskID, &attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, attempt_number, agent_id, dispatched_at, transport_ack)
		VALUES ($1, $2, $3, $4, FALSE)`,
		taskID, attempt, agentID, now,
	); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("read claimed task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, taskID string, attempt int, notBefore time.Time) error {
	return s.transition(ctx, taskID, attempt,
		`UPDATE tasks SET state = $1, not_before = $2, deadline = NULL, updated_at = $3
		WHERE task_id = $4 AND state = $5 AND attempt_count = $6`,
		model.StateQueued, notBefore.UTC(), time.Now().UTC(), taskID, model.StateDispatched, attempt,
	)
}

func (s *PostgresStore) FinishTask(ctx context.Context, taskID string, attempt int, state string, result *model.TaskResult, failure string) error {
	if state != model.StateCompleted && state != model.StateFailed {
		return fmt.Errorf("finish to %s: %w", state, model.ErrInvalidTransition)
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	return s.transition(ctx, taskID, attempt,
		`UPDATE tasks SET state = $1, result_json = $2, failure = $3, updated_at = $4
		WHERE task_id = $5 AND state = $6 AND attempt_count = $7`,
		state, resultJSON, failure, time.Now().UTC(), taskID, model.StateDispatched, attempt,
	)
}

func (s *PostgresStore) TimeoutTask(ctx context.Context, taskID string, attempt int, reason string) error {
	return s.transition(ctx, taskID, attempt,
		`UPDATE tasks SET state = $1, failure = $2, updated_at = $3
		WHERE task_id = $4 AND state = $5 AND attempt_count = $6`,
		model.StateTimedOut, reason, time.Now().UTC(), taskID, model.StateDispatched, attempt,
	)
}

func (s *PostgresStore) transition(ctx context.Context, taskID string, attempt int, query string, args ...any) error {
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
		`UPDATE task_attempts SET ended_at = $1 WHERE task_id = $2 AND attempt_number = $3 AND ended_at IS NULL`,
		time.Now().UTC(), taskID, attempt,
	); err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = $1, updated_at = $2 WHERE task_id = $3 AND state = ANY($4)`,
		model.StateCancelled, time.Now().UTC(), taskID,
		pq.Array([]string{model.StateQueued, model.StateDispatched}),
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
		`UPDATE task_attempts SET ended_at = $1 WHERE task_id = $2 AND ended_at IS NULL`,
		time.Now().UTC(), taskID,
	); err != nil {
		return fmt.Errorf("close attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

func (s *PostgresStore) classifyMiss(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s at attempt %d: %w", taskID, t.State, t.AttemptCount, model.ErrConflict)
}

func (s *PostgresStore) ListAttempts(ctx context.Context, taskID string) ([]model.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, attempt_number, agent_id, dispatched_at, transport_ack, ended_at
		FROM task_attempts WHERE task_id = $1 ORDER BY attempt_number`, taskID)
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

func (s *PostgresStore) AckAttempt(ctx context.Context, taskID string, attempt int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_attempts SET transport_ack = TRUE WHERE task_id = $1 AND attempt_number = $2`,
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

func (s *PostgresStore) ListExpiredTasks(ctx context.Context, cutoff time.Time, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE state = $1 AND deadline IS NOT NULL AND deadline < $2
		ORDER BY deadline LIMIT $3`,
		model.StateDispatched, cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListTasksDispatchedTo(ctx context.Context, agentID string) ([]*model.Task, error) {
	cols := "t." + strings.ReplaceAll(taskColumns, ", ", ", t.")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cols+` FROM tasks t
		JOIN task_attempts a ON a.task_id = t.task_id AND a.attempt_number = t.attempt_count
		WHERE t.state = $1 AND a.agent_id = $2
		ORDER BY t.created_at, t.task_id`,
		model.StateDispatched, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatched tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) InsertResultChunk(ctx context.Context, c *model.ResultChunk) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO result_chunks (task_id, attempt_number, seq, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, attempt_number, seq) DO NOTHING`,
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

func (s *PostgresStore) ListResultChunks(ctx context.Context, taskID string, attempt int) ([]model.ResultChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, attempt_number, seq, payload, received_at
		FROM result_chunks WHERE task_id = $1 AND attempt_number = $2 ORDER BY seq`,
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

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			version = excluded.version,
			capabilities = excluded.capabilities,
			max_in_flight = excluded.max_in_flight,
			last_heartbeat = excluded.last_heartbeat`,
		a.ID, a.Hostname, a.Platform, a.Version, pq.Array(a.Capabilities), a.MaxInFlight,
		a.FirstSeen.UTC(), a.LastHeartbeat.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat
		FROM agents WHERE agent_id = $1`, id)
	a, err := scanPgAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat
		FROM agents ORDER BY agent_id`)
}

func (s *PostgresStore) ListSilentAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT agent_id, hostname, platform, version, capabilities, max_in_flight, first_seen, last_heartbeat
		FROM agents WHERE last_heartbeat < $1 ORDER BY agent_id`, cutoff.UTC())
}

func (s *PostgresStore) queryAgents(ctx context.Context, query string, args ...any) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanPgAgent(rows)
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

func (s *PostgresStore) CountInFlight(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_attempts WHERE agent_id = $1 AND ended_at IS NULL`, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

func scanPgAgent(sc scanner) (*model.Agent, error) {
	a := &model.Agent{}
	err := sc.Scan(&a.ID, &a.Hostname, &a.Platform, &a.Version, pq.Array(&a.Capabilities),
		&a.MaxInFlight, &a.FirstSeen, &a.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildPgTaskFilter(f TaskFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(column string, val string) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.State != "" {
		add("state", f.State)
	}
	if f.AgentID != "" {
		add("agent_id", f.AgentID)
	}
	if f.CommandType != "" {
		add("command_type", f.CommandType)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
