package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/pipeline"
)

// Iteration is one pass of the optimization loop for a run.
type Iteration struct {
	ID                   int64         `json:"id"`
	RunID                string        `json:"run_id"`
	IterationNum         int           `json:"iteration_num"`
	PromptTemplate       string        `json:"prompt_template"`
	AvgScore             *float64      `json:"avg_score"`
	MinScore             *float64      `json:"min_score"`
	MaxScore             *float64      `json:"max_score"`
	Summary              string        `json:"summary,omitempty"`
	ImprovementReasoning string        `json:"improvement_reasoning,omitempty"`
	ImproverPrompt       string        `json:"improver_prompt,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	TestResults          []*TestResult `json:"test_results,omitempty"`
}

// TestResult is one judged dataset row from an iteration.
type TestResult struct {
	ID             int64             `json:"id"`
	IterationID    int64             `json:"iteration_id"`
	RowIndex       int               `json:"test_case_index"`
	InputData      map[string]string `json:"input_data"`
	ExpectedOutput string            `json:"expected_output"`
	ActualOutput   string            `json:"actual_output,omitempty"`
	Score          float64           `json:"score"`
	JudgeReasoning string            `json:"judge_reasoning,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

const iterationColumns = `id, run_id, iteration_num, prompt_template,
	avg_score, min_score, max_score, summary, improvement_reasoning,
	improver_prompt, created_at`

const testResultColumns = `id, iteration_id, row_index, input_data,
	expected_output, actual_output, score, judge_reasoning, error, created_at`

// CreateIteration records the prompt under test for one loop pass and
// returns the new iteration's ID.
func (s *Store) CreateIteration(ctx context.Context, runID string, iterationNum int, promptTemplate string) (int64, error) {
	query := `
		INSERT INTO iterations (run_id, iteration_num, prompt_template, created_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, runID, iterationNum, promptTemplate, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create iteration %d for run %s", iterationNum, runID)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read iteration id")
	}
	return id, nil
}

// SaveTestResults persists one iteration's test rows zipped with their judge
// verdicts in a single transaction. Rows that never produced model output
// keep a NULL actual_output and carry the execution error instead.
func (s *Store) SaveTestResults(ctx context.Context, iterationID int64, tests []pipeline.TestResult, judges []pipeline.JudgeResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO test_results (
			iteration_id, row_index, input_data,
			expected_output, actual_output, score,
			judge_reasoning, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "failed to prepare test result insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, test := range tests {
		inputJSON, err := json.Marshal(test.InputData)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal input data for case %d", test.Index)
		}

		var judge pipeline.JudgeResult
		if i < len(judges) {
			judge = judges[i]
		}

		actual := sql.NullString{String: test.Actual, Valid: !test.Failed()}
		execErr := sql.NullString{String: test.Err, Valid: test.Err != ""}
		reasoning := sql.NullString{String: judge.Reasoning, Valid: judge.Reasoning != ""}

		_, err = stmt.ExecContext(ctx,
			iterationID,
			test.Index,
			string(inputJSON),
			test.Expected,
			actual,
			judge.Score,
			reasoning,
			execErr,
			now,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to save test result for case %d", test.Index)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit test results")
	}
	return nil
}

// UpdateIterationScores records the judged aggregates and the summarizer's
// analysis for one iteration.
func (s *Store) UpdateIterationScores(ctx context.Context, iterationID int64, avgScore, minScore, maxScore float64, summary string) error {
	query := `
		UPDATE iterations
		SET avg_score = ?, min_score = ?, max_score = ?, summary = ?
		WHERE id = ?
	`
	if err := s.update(ctx, query, avgScore, minScore, maxScore, summary, iterationID); err != nil {
		return errors.Wrapf(err, "failed to update scores for iteration %d", iterationID)
	}
	return nil
}

// UpdateIterationImprovement records why and how the prompt changed after
// this iteration. An empty improver prompt stays NULL, which is the case for
// terminal iterations that never ran the improve stage.
func (s *Store) UpdateIterationImprovement(ctx context.Context, iterationID int64, reasoning, improverPrompt string) error {
	query := `
		UPDATE iterations
		SET improvement_reasoning = ?, improver_prompt = ?
		WHERE id = ?
	`
	prompt := sql.NullString{String: improverPrompt, Valid: improverPrompt != ""}
	if err := s.update(ctx, query, reasoning, prompt, iterationID); err != nil {
		return errors.Wrapf(err, "failed to update improvement for iteration %d", iterationID)
	}
	return nil
}

// ListIterations returns a run's iterations in loop order, without test
// results attached.
func (s *Store) ListIterations(ctx context.Context, runID string) ([]*Iteration, error) {
	query := `SELECT ` + iterationColumns + ` FROM iterations WHERE run_id = ? ORDER BY iteration_num`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list iterations")
	}
	defer rows.Close()

	var iterations []*Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan iteration")
		}
		iterations = append(iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate iterations")
	}
	return iterations, nil
}

// ListIterationsWithResults returns a run's iterations with their test
// results attached, loading the whole run in two queries.
func (s *Store) ListIterationsWithResults(ctx context.Context, runID string) ([]*Iteration, error) {
	iterations, err := s.ListIterations(ctx, runID)
	if err != nil || len(iterations) == 0 {
		return iterations, err
	}

	byID := make(map[int64]*Iteration, len(iterations))
	for _, it := range iterations {
		byID[it.ID] = it
	}

	query := `
		SELECT ` + testResultColumns + `
		FROM test_results
		WHERE iteration_id IN (SELECT id FROM iterations WHERE run_id = ?)
		ORDER BY iteration_id, row_index
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list test results")
	}
	defer rows.Close()

	for rows.Next() {
		result, err := scanTestResult(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan test result")
		}
		if it, ok := byID[result.IterationID]; ok {
			it.TestResults = append(it.TestResults, result)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate test results")
	}
	return iterations, nil
}

// GetIteration retrieves one iteration of a run by its loop number, test
// results included. Duplicate numbers resolve to the most recent row.
func (s *Store) GetIteration(ctx context.Context, runID string, iterationNum int) (*Iteration, error) {
	query := `
		SELECT ` + iterationColumns + `
		FROM iterations
		WHERE run_id = ? AND iteration_num = ?
		ORDER BY id DESC LIMIT 1
	`
	it, err := scanIteration(s.db.QueryRowContext(ctx, query, runID, iterationNum))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "iteration %d of run %s not found", iterationNum, runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get iteration")
	}

	it.TestResults, err = s.ListTestResults(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ListTestResults returns an iteration's judged rows in dataset order.
func (s *Store) ListTestResults(ctx context.Context, iterationID int64) ([]*TestResult, error) {
	query := `SELECT ` + testResultColumns + ` FROM test_results WHERE iteration_id = ? ORDER BY row_index`

	rows, err := s.db.QueryContext(ctx, query, iterationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list test results")
	}
	defer rows.Close()

	var results []*TestResult
	for rows.Next() {
		result, err := scanTestResult(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan test result")
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate test results")
	}
	return results, nil
}

func scanIteration(row rowScanner) (*Iteration, error) {
	var (
		it        Iteration
		avgScore  sql.NullFloat64
		minScore  sql.NullFloat64
		maxScore  sql.NullFloat64
		summary   sql.NullString
		reasoning sql.NullString
		improver  sql.NullString
	)
	err := row.Scan(
		&it.ID,
		&it.RunID,
		&it.IterationNum,
		&it.PromptTemplate,
		&avgScore,
		&minScore,
		&maxScore,
		&summary,
		&reasoning,
		&improver,
		&it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if avgScore.Valid {
		it.AvgScore = &avgScore.Float64
	}
	if minScore.Valid {
		it.MinScore = &minScore.Float64
	}
	if maxScore.Valid {
		it.MaxScore = &maxScore.Float64
	}
	if summary.Valid {
		it.Summary = summary.String
	}
	if reasoning.Valid {
		it.ImprovementReasoning = reasoning.String
	}
	if improver.Valid {
		it.ImproverPrompt = improver.String
	}
	return &it, nil
}

func scanTestResult(row rowScanner) (*TestResult, error) {
	var (
		result    TestResult
		inputJSON string
		actual    sql.NullString
		score     sql.NullFloat64
		reasoning sql.NullString
		execErr   sql.NullString
	)
	err := row.Scan(
		&result.ID,
		&result.IterationID,
		&result.RowIndex,
		&inputJSON,
		&result.ExpectedOutput,
		&actual,
		&score,
		&reasoning,
		&execErr,
		&result.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &result.InputData); err != nil {
			return nil, errors.Wrapf(err, "failed to decode input data for test result %d", result.ID)
		}
	}
	if actual.Valid {
		result.ActualOutput = actual.String
	}
	if score.Valid {
		result.Score = score.Float64
	}
	if reasoning.Valid {
		result.JudgeReasoning = reasoning.String
	}
	if execErr.Valid {
		result.Error = execErr.String
	}
	return &result, nil
}
