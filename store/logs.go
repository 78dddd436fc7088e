package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/hone/errors"
)

// LogLine is one progress line written by the pipeline for a run. Lines with
// IterationNum zero belong to the run as a whole rather than one iteration.
type LogLine struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	IterationNum int       `json:"iteration_num"`
	Stage        string    `json:"stage"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendRunLog records a progress line for a run.
func (s *Store) AppendRunLog(ctx context.Context, runID string, iterationNum int, stage, level, message string) error {
	query := `
		INSERT INTO run_logs (run_id, iteration_num, stage, level, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	iteration := sql.NullInt64{Int64: int64(iterationNum), Valid: iterationNum > 0}
	_, err := s.db.ExecContext(ctx, query, runID, iteration, stage, level, message, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to append log for run %s", runID)
	}
	return nil
}

// ListRunLogs returns a run's log lines in write order, optionally filtered
// by stage and level. Empty filters match everything.
func (s *Store) ListRunLogs(ctx context.Context, runID, stage, level string) ([]*LogLine, error) {
	query := `
		SELECT id, run_id, iteration_num, stage, level, message, created_at
		FROM run_logs
		WHERE run_id = ?
	`
	args := []interface{}{runID}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, level)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list run logs")
	}
	defer rows.Close()

	var lines []*LogLine
	for rows.Next() {
		var (
			line      LogLine
			iteration sql.NullInt64
		)
		err := rows.Scan(
			&line.ID,
			&line.RunID,
			&iteration,
			&line.Stage,
			&line.Level,
			&line.Message,
			&line.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run log")
		}
		if iteration.Valid {
			line.IterationNum = int(iteration.Int64)
		}
		lines = append(lines, &line)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate run logs")
	}
	return lines, nil
}
