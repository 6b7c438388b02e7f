package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
)

const validationRunColumns = `id, project_id, agent_run_id, pr_number, pr_url, branch, commit_sha,
	status, current_step, overall_score, auto_merge_eligible, auto_merge_executed,
	retry_count, snapshot_id, error_message, started_at, finished_at, created_at, updated_at`

const validationStepColumns = `id, run_id, step_index, step_type, status, score, weight,
	is_critical, retry_count, logs, error_message, external_ref, started_at, finished_at`

// CreateValidationRun inserts a run and its full step list in one transaction
func (s *Store) CreateValidationRun(run *domain.ValidationRun, steps []*domain.ValidationStep) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO validation_runs (`+validationRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.ProjectID, nullString(run.AgentRunID), run.PRNumber, run.PRURL,
		run.Branch, run.CommitSHA, string(run.Status), run.CurrentStep, run.OverallScore,
		run.AutoMergeEligible, run.AutoMergeExecuted, run.RetryCount, run.SnapshotID,
		run.ErrorMessage, nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, step := range steps {
		_, err = tx.Exec(`
			INSERT INTO validation_steps (`+validationStepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			step.ID, step.RunID, step.Index, string(step.Type), string(step.Status),
			nullFloat(step.Score), step.Weight, step.Critical, step.RetryCount,
			step.Logs, step.ErrorMessage, step.ExternalRef,
			nullTime(step.StartedAt), nullTime(step.FinishedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetValidationRun retrieves a validation run by id
func (s *Store) GetValidationRun(id string) (*domain.ValidationRun, error) {
	row := s.db.QueryRow(`SELECT `+validationRunColumns+` FROM validation_runs WHERE id = ?`, id)
	return scanValidationRun(row)
}

// UpdateValidationRun applies fn to the stored run under the run's write lock
func (s *Store) UpdateValidationRun(id string, fn func(*domain.ValidationRun) error) (*domain.ValidationRun, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.GetValidationRun(id)
	if err != nil {
		return nil, err
	}

	if err := fn(run); err != nil {
		return nil, err
	}
	run.Touch()

	_, err = s.db.Exec(`
		UPDATE validation_runs SET
			status = ?, current_step = ?, overall_score = ?,
			auto_merge_eligible = ?, auto_merge_executed = ?, retry_count = ?,
			snapshot_id = ?, error_message = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(run.Status), run.CurrentStep, run.OverallScore,
		run.AutoMergeEligible, run.AutoMergeExecuted, run.RetryCount,
		run.SnapshotID, run.ErrorMessage,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating validation run %s: %w", id, err)
	}
	return run, nil
}

// GetValidationSteps returns the steps of a run in index order
func (s *Store) GetValidationSteps(runID string) ([]*domain.ValidationStep, error) {
	rows, err := s.db.Query(`SELECT `+validationStepColumns+` FROM validation_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*domain.ValidationStep
	for rows.Next() {
		step, err := scanValidationStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateValidationStep applies fn to the stored step under the owning run's lock
func (s *Store) UpdateValidationStep(runID, stepID string, fn func(*domain.ValidationStep) error) (*domain.ValidationStep, error) {
	mu := s.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	row := s.db.QueryRow(`SELECT `+validationStepColumns+` FROM validation_steps WHERE id = ?`, stepID)
	step, err := scanValidationStep(row)
	if err != nil {
		return nil, err
	}

	if err := fn(step); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE validation_steps SET
			status = ?, score = ?, retry_count = ?, logs = ?,
			error_message = ?, external_ref = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`,
		string(step.Status), nullFloat(step.Score), step.RetryCount, step.Logs,
		step.ErrorMessage, step.ExternalRef,
		nullTime(step.StartedAt), nullTime(step.FinishedAt),
		step.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating validation step %s: %w", stepID, err)
	}
	return step, nil
}

// ListValidationRunsByStatus returns all runs in the given status
func (s *Store) ListValidationRunsByStatus(status domain.ValidationRunStatus) ([]*domain.ValidationRun, error) {
	rows, err := s.db.Query(`SELECT `+validationRunColumns+` FROM validation_runs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectValidationRuns(rows)
}

// ListRecentValidationRuns returns the most recently created runs
func (s *Store) ListRecentValidationRuns(limit int) ([]*domain.ValidationRun, error) {
	rows, err := s.db.Query(`SELECT `+validationRunColumns+` FROM validation_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectValidationRuns(rows)
}

// FindValidationRunForPR returns the latest run for a PR/commit pair, or nil.
// Used by the webhook path to avoid validating the same commit twice.
func (s *Store) FindValidationRunForPR(projectID string, prNumber int, commitSHA string) (*domain.ValidationRun, error) {
	row := s.db.QueryRow(`
		SELECT `+validationRunColumns+` FROM validation_runs
		WHERE project_id = ? AND pr_number = ? AND (commit_sha = ? OR ? = '')
		ORDER BY created_at DESC LIMIT 1
	`, projectID, prNumber, commitSHA, commitSHA)

	run, err := scanValidationRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListFinishedRunsWithSnapshots returns terminal runs whose sandbox snapshot
// has not been cleaned up yet
func (s *Store) ListFinishedRunsWithSnapshots() ([]*domain.ValidationRun, error) {
	rows, err := s.db.Query(`
		SELECT `+validationRunColumns+` FROM validation_runs
		WHERE status IN (?, ?, ?) AND snapshot_id != '' AND snapshot_id IS NOT NULL
	`, string(domain.ValidationCompleted), string(domain.ValidationFailed), string(domain.ValidationCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectValidationRuns(rows)
}

// ListStaleRunningValidationRuns returns RUNNING runs not updated since the cutoff
func (s *Store) ListStaleRunningValidationRuns(cutoff time.Time) ([]*domain.ValidationRun, error) {
	rows, err := s.db.Query(`
		SELECT `+validationRunColumns+` FROM validation_runs
		WHERE status = ? AND updated_at < ?
	`, string(domain.ValidationRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectValidationRuns(rows)
}

func scanValidationRun(row rowScanner) (*domain.ValidationRun, error) {
	var run domain.ValidationRun
	var status string
	var agentRunID, branch, commitSHA, snapshotID, errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.ProjectID, &agentRunID, &run.PRNumber, &run.PRURL,
		&branch, &commitSHA, &status, &run.CurrentStep, &run.OverallScore,
		&run.AutoMergeEligible, &run.AutoMergeExecuted, &run.RetryCount,
		&snapshotID, &errMsg, &startedAt, &finishedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.AgentRunID = agentRunID.String
	run.Branch = branch.String
	run.CommitSHA = commitSHA.String
	run.Status = domain.ValidationRunStatus(status)
	run.SnapshotID = snapshotID.String
	run.ErrorMessage = errMsg.String
	run.StartedAt = scanNullTime(startedAt)
	run.FinishedAt = scanNullTime(finishedAt)
	return &run, nil
}

func scanValidationStep(row rowScanner) (*domain.ValidationStep, error) {
	var step domain.ValidationStep
	var typ, status string
	var score sql.NullFloat64
	var logs, errMsg, externalRef sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&step.ID, &step.RunID, &step.Index, &typ, &status, &score,
		&step.Weight, &step.Critical, &step.RetryCount, &logs, &errMsg,
		&externalRef, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	step.Type = domain.StepType(typ)
	step.Status = domain.StepStatus(status)
	if score.Valid {
		v := score.Float64
		step.Score = &v
	}
	step.Logs = logs.String
	step.ErrorMessage = errMsg.String
	step.ExternalRef = externalRef.String
	step.StartedAt = scanNullTime(startedAt)
	step.FinishedAt = scanNullTime(finishedAt)
	return &step, nil
}

func collectValidationRuns(rows *sql.Rows) ([]*domain.ValidationRun, error) {
	var runs []*domain.ValidationRun
	for rows.Next() {
		run, err := scanValidationRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
