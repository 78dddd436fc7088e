// Package store persists optimization runs and their artifacts
// (iterations, test results, logs, usage) to SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/pipeline"
)

// Store handles persistence of runs and everything hanging off them.
type Store struct {
	db *sql.DB
}

// The runner drives every persistence call through the store.
var _ pipeline.RunStore = (*Store)(nil)

// NewStore creates a run store on top of an already-migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewRunID mints a short human-pasteable run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// Run is a persisted optimization run.
type Run struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Status          string          `json:"status"`
	InitialPrompt   string          `json:"initial_prompt"`
	BestPrompt      string          `json:"best_prompt,omitempty"`
	BestScore       *float64        `json:"best_score,omitempty"`
	Config          json.RawMessage `json:"config"`
	DatasetFilename string          `json:"dataset_filename"`
	DatasetColumns  []string        `json:"dataset_columns"`
	TotalIterations int             `json:"total_iterations_completed"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

const runColumns = `id, name, status, initial_prompt, best_prompt, best_score,
	config, dataset_filename, dataset_columns, total_iterations, error_message,
	created_at, updated_at`

// CreateRun inserts a new run. A missing ID, status or config is filled with
// defaults, and the timestamps are always assigned here so list ordering is
// stable at sub-second resolution.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = pipeline.StatusPending
	}
	if len(run.Config) == 0 {
		run.Config = json.RawMessage("{}")
	}
	if run.DatasetColumns == nil {
		run.DatasetColumns = []string{}
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	columnsJSON, err := json.Marshal(run.DatasetColumns)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dataset columns")
	}

	query := `
		INSERT INTO runs (
			id, name, status, initial_prompt,
			config, dataset_filename, dataset_columns,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		run.Status,
		run.InitialPrompt,
		string(run.Config),
		run.DatasetFilename,
		string(columnsJSON),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create run")
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	return run, nil
}

// ListRuns returns runs newest first. A limit of zero or less returns all
// runs and ignores offset.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	return runs, nil
}

// DeleteRun removes a run. Iterations, test results, logs and usage rows go
// with it through foreign key cascades.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete run")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check delete result")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "run %s not found", id)
	}
	return nil
}

// MarkRunRunning transitions a run into the running state.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	query := `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`
	if err := s.update(ctx, query, pipeline.StatusRunning, time.Now().UTC(), runID); err != nil {
		return errors.Wrapf(err, "failed to mark run %s running", runID)
	}
	return nil
}

// MarkRunCompleted records the winning prompt and final score.
func (s *Store) MarkRunCompleted(ctx context.Context, runID, bestPrompt string, bestScore float64, totalIterations int) error {
	query := `
		UPDATE runs
		SET status = ?, best_prompt = ?, best_score = ?, total_iterations = ?, updated_at = ?
		WHERE id = ?
	`
	prompt := sql.NullString{String: bestPrompt, Valid: bestPrompt != ""}
	if err := s.update(ctx, query, pipeline.StatusCompleted, prompt, bestScore, totalIterations, time.Now().UTC(), runID); err != nil {
		return errors.Wrapf(err, "failed to mark run %s completed", runID)
	}
	return nil
}

// MarkRunStopped records a user-requested stop.
func (s *Store) MarkRunStopped(ctx context.Context, runID string) error {
	query := `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`
	if err := s.update(ctx, query, pipeline.StatusStopped, time.Now().UTC(), runID); err != nil {
		return errors.Wrapf(err, "failed to mark run %s stopped", runID)
	}
	return nil
}

// MarkRunFailed records a pipeline failure with its message.
func (s *Store) MarkRunFailed(ctx context.Context, runID, errorMessage string) error {
	query := `UPDATE runs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`
	msg := sql.NullString{String: errorMessage, Valid: errorMessage != ""}
	if err := s.update(ctx, query, pipeline.StatusFailed, msg, time.Now().UTC(), runID); err != nil {
		return errors.Wrapf(err, "failed to mark run %s failed", runID)
	}
	return nil
}

// UpdateRunIterations bumps the completed-iteration counter.
func (s *Store) UpdateRunIterations(ctx context.Context, runID string, totalIterations int) error {
	query := `UPDATE runs SET total_iterations = ?, updated_at = ? WHERE id = ?`
	if err := s.update(ctx, query, totalIterations, time.Now().UTC(), runID); err != nil {
		return errors.Wrapf(err, "failed to update iteration count for run %s", runID)
	}
	return nil
}

// update executes an UPDATE and reports ErrNotFound when no row matched.
func (s *Store) update(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run         Run
		bestPrompt  sql.NullString
		bestScore   sql.NullFloat64
		configJSON  string
		columnsJSON string
		errMsg      sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.Status,
		&run.InitialPrompt,
		&bestPrompt,
		&bestScore,
		&configJSON,
		&run.DatasetFilename,
		&columnsJSON,
		&run.TotalIterations,
		&errMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if bestPrompt.Valid {
		run.BestPrompt = bestPrompt.String
	}
	if bestScore.Valid {
		run.BestScore = &bestScore.Float64
	}
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	run.Config = json.RawMessage(configJSON)
	if columnsJSON != "" {
		if err := json.Unmarshal([]byte(columnsJSON), &run.DatasetColumns); err != nil {
			return nil, errors.Wrapf(err, "failed to decode dataset columns for run %s", run.ID)
		}
	}
	return &run, nil
}
