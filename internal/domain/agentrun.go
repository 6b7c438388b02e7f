package domain

import "time"

// AgentRun represents one request to the external coding agent
type AgentRun struct {
	Entity
	ProjectID         string
	ExternalTaskID    string // set at most once, right after successful creation
	Prompt            string
	PlanningStatement string
	Status            AgentRunStatus
	Classification    RunClassification
	Result            string
	PRURL             string
	PRNumber          int // 0 means no PR detected
	AutoConfirmPlans  bool
	Continuations     int
	ErrorMessage      string
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// CombinedPrompt returns the prompt with the planning statement prepended when present
func (r *AgentRun) CombinedPrompt() string {
	if r.PlanningStatement == "" {
		return r.Prompt
	}
	return r.PlanningStatement + "\n\n" + r.Prompt
}

// CanContinue reports whether the run accepts a Continue operation.
// Terminal cancelled runs stay cancelled.
func (r *AgentRun) CanContinue() bool {
	if r.Status == AgentRunWaitingForInput {
		return true
	}
	return r.Status.Terminal() && r.Status != AgentRunCancelled
}

// CanCancel reports whether the run accepts a Cancel operation
func (r *AgentRun) CanCancel() bool {
	switch r.Status {
	case AgentRunPending, AgentRunRunning, AgentRunWaitingForInput:
		return true
	}
	return false
}

// Duration returns how long the run has been active
func (r *AgentRun) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}
