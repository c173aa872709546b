package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

// SQLiteStore stores executions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// init creates the database schema.
func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		risk_level TEXT,
		plan TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS step_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		rollback INTEGER NOT NULL DEFAULT 0,
		step_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		result TEXT,
		error TEXT,
		logs TEXT,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_step_results_execution ON step_results(execution_id);
	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save upserts the execution and replaces its step results.
func (s *SQLiteStore) Save(ctx context.Context, e *execution.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var planJSON, risk sql.NullString
	if e.Plan != nil {
		data, err := json.Marshal(e.Plan)
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		planJSON = sql.NullString{String: string(data), Valid: true}
		risk = sql.NullString{String: string(e.Plan.RiskLevel), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, prompt, status, risk_level, plan, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			risk_level = excluded.risk_level,
			plan = excluded.plan,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, e.ID, e.Prompt, string(e.Status), risk, planJSON, e.Error, e.CreatedAt, nullTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	// Full replacement of step results
	if _, err := tx.ExecContext(ctx, "DELETE FROM step_results WHERE execution_id = ?", e.ID); err != nil {
		return fmt.Errorf("failed to delete step results: %w", err)
	}

	insert := func(i int, r execution.ToolCallResult, rollback bool) error {
		resultJSON, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result of %s: %w", r.StepID, err)
		}
		logsJSON, err := json.Marshal(r.Logs)
		if err != nil {
			return fmt.Errorf("failed to encode logs of %s: %w", r.StepID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_results (execution_id, position, rollback, step_id, tool_name, status, started_at, completed_at, result, error, logs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, i, rollback, r.StepID, r.ToolName, string(r.Status),
			nullTime(r.StartedAt), nullTime(r.CompletedAt), string(resultJSON), r.Error, string(logsJSON))
		if err != nil {
			return fmt.Errorf("failed to save step result: %w", err)
		}
		return nil
	}
	for i, r := range e.Results {
		if err := insert(i, r, false); err != nil {
			return err
		}
	}
	for i, r := range e.RollbackResults {
		if err := insert(i, r, true); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load reads an execution and its step results.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, status, plan, error, created_at, completed_at
		FROM executions WHERE id = ?
	`, id)

	var e execution.Execution
	var status string
	var planJSON, errMsg sql.NullString
	var completed sql.NullTime
	err := row.Scan(&e.ID, &e.Prompt, &status, &planJSON, &errMsg, &e.CreatedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	e.Status = execution.Status(status)
	e.Error = errMsg.String
	e.CompletedAt = timePtr(completed)
	if planJSON.Valid && planJSON.String != "" {
		var p plan.Plan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
		e.Plan = &p
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rollback, step_id, tool_name, status, started_at, completed_at, result, error, logs
		FROM step_results WHERE execution_id = ? ORDER BY rollback, position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results: %w", err)
	}
	defer rows.Close()

	e.Results = []execution.ToolCallResult{}
	for rows.Next() {
		var r execution.ToolCallResult
		var rollback bool
		var rstatus string
		var started, done sql.NullTime
		var resultJSON, rerr, logsJSON sql.NullString
		if err := rows.Scan(&rollback, &r.StepID, &r.ToolName, &rstatus, &started, &done, &resultJSON, &rerr, &logsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.Status = execution.StepStatus(rstatus)
		r.StartedAt = timePtr(started)
		r.CompletedAt = timePtr(done)
		r.Error = rerr.String
		if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
			json.Unmarshal([]byte(resultJSON.String), &r.Result)
		}
		r.Logs = []execution.LogEntry{}
		if logsJSON.Valid && logsJSON.String != "" && logsJSON.String != "null" {
			json.Unmarshal([]byte(logsJSON.String), &r.Logs)
		}
		if rollback {
			e.RollbackResults = append(e.RollbackResults, r)
		} else {
			e.Results = append(e.Results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &e, nil
}

// List summarizes every recorded execution, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.prompt, e.status, e.risk_level, e.error, e.created_at, e.completed_at,
			(SELECT COUNT(*) FROM step_results r WHERE r.execution_id = e.id AND r.rollback = 0)
		FROM executions e
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var status string
		var risk, errMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.Prompt, &status, &risk, &errMsg, &sum.CreatedAt, &completed, &sum.Steps); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		sum.Status = execution.Status(status)
		sum.RiskLevel = plan.RiskLevel(risk.String)
		sum.Error = errMsg.String
		sum.CompletedAt = timePtr(completed)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
