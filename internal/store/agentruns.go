package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
)

const agentRunColumns = `id, project_id, external_task_id, prompt, planning_statement,
	status, classification, result, pr_url, pr_number, auto_confirm_plans,
	continuations, error_message, started_at, finished_at, created_at, updated_at`

// CreateAgentRun inserts a new agent run
func (s *Store) CreateAgentRun(run *domain.AgentRun) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO agent_runs (`+agentRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.ProjectID, run.ExternalTaskID, run.Prompt, run.PlanningStatement,
		string(run.Status), string(run.Classification), run.Result,
		run.PRURL, run.PRNumber, run.AutoConfirmPlans,
		run.Continuations, run.ErrorMessage,
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.CreatedAt, run.UpdatedAt,
	)
	return err
}

// GetAgentRun retrieves an agent run by id
func (s *Store) GetAgentRun(id string) (*domain.AgentRun, error) {
	row := s.db.QueryRow(`SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id)
	return scanAgentRun(row)
}

// UpdateAgentRun applies fn to the stored run under the run's write lock.
// The update is a read-modify-write: concurrent updates to the same run are
// serialized, and fn sees the freshest state.
func (s *Store) UpdateAgentRun(id string, fn func(*domain.AgentRun) error) (*domain.AgentRun, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.GetAgentRun(id)
	if err != nil {
		return nil, err
	}

	if err := fn(run); err != nil {
		return nil, err
	}
	run.Touch()

	_, err = s.db.Exec(`
		UPDATE agent_runs SET
			external_task_id = ?, status = ?, classification = ?, result = ?,
			pr_url = ?, pr_number = ?, auto_confirm_plans = ?, continuations = ?,
			error_message = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`,
		run.ExternalTaskID, string(run.Status), string(run.Classification), run.Result,
		run.PRURL, run.PRNumber, run.AutoConfirmPlans, run.Continuations,
		run.ErrorMessage, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating agent run %s: %w", id, err)
	}
	return run, nil
}

// ListAgentRunsByStatus returns all runs in the given status
func (s *Store) ListAgentRunsByStatus(status domain.AgentRunStatus) ([]*domain.AgentRun, error) {
	rows, err := s.db.Query(`SELECT `+agentRunColumns+` FROM agent_runs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgentRuns(rows)
}

// ListRecentAgentRuns returns the most recently created runs
func (s *Store) ListRecentAgentRuns(limit int) ([]*domain.AgentRun, error) {
	rows, err := s.db.Query(`SELECT `+agentRunColumns+` FROM agent_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgentRuns(rows)
}

// ListActiveAgentRuns returns runs that are not in a terminal state
func (s *Store) ListActiveAgentRuns() ([]*domain.AgentRun, error) {
	rows, err := s.db.Query(`SELECT `+agentRunColumns+` FROM agent_runs WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(domain.AgentRunPending), string(domain.AgentRunRunning), string(domain.AgentRunWaitingForInput))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgentRuns(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgentRun(row rowScanner) (*domain.AgentRun, error) {
	var run domain.AgentRun
	var status, classification string
	var externalTaskID, planning, result, prURL, errMsg sql.NullString
	var prNumber sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.ProjectID, &externalTaskID, &run.Prompt, &planning,
		&status, &classification, &result, &prURL, &prNumber, &run.AutoConfirmPlans,
		&run.Continuations, &errMsg, &startedAt, &finishedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.ExternalTaskID = externalTaskID.String
	run.PlanningStatement = planning.String
	run.Status = domain.AgentRunStatus(status)
	run.Classification = domain.RunClassification(classification)
	run.Result = result.String
	run.PRURL = prURL.String
	run.PRNumber = int(prNumber.Int64)
	run.ErrorMessage = errMsg.String
	run.StartedAt = scanNullTime(startedAt)
	run.FinishedAt = scanNullTime(finishedAt)
	return &run, nil
}

func collectAgentRuns(rows *sql.Rows) ([]*domain.AgentRun, error) {
	var runs []*domain.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
