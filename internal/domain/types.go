package domain

// AgentRunStatus represents the lifecycle state of an agent run
type AgentRunStatus string

const (
	AgentRunPending         AgentRunStatus = "pending"
	AgentRunRunning         AgentRunStatus = "running"
	AgentRunWaitingForInput AgentRunStatus = "waiting_for_input"
	AgentRunCompleted       AgentRunStatus = "completed"
	AgentRunFailed          AgentRunStatus = "failed"
	AgentRunCancelled       AgentRunStatus = "cancelled"
)

// Terminal returns true if the status is a terminal state
func (s AgentRunStatus) Terminal() bool {
	switch s {
	case AgentRunCompleted, AgentRunFailed, AgentRunCancelled:
		return true
	}
	return false
}

// RunClassification describes what kind of work the agent run turned out to be
type RunClassification string

const (
	ClassRegular    RunClassification = "regular"
	ClassPlan       RunClassification = "plan"
	ClassPRCreation RunClassification = "pr_creation"
	ClassErrorFix   RunClassification = "error_fix"
)

// ValidationRunStatus represents the lifecycle state of a validation run
type ValidationRunStatus string

const (
	ValidationPending   ValidationRunStatus = "pending"
	ValidationRunning   ValidationRunStatus = "running"
	ValidationCompleted ValidationRunStatus = "completed"
	ValidationFailed    ValidationRunStatus = "failed"
	ValidationCancelled ValidationRunStatus = "cancelled"
)

// Terminal returns true if the status is a terminal state
func (s ValidationRunStatus) Terminal() bool {
	switch s {
	case ValidationCompleted, ValidationFailed, ValidationCancelled:
		return true
	}
	return false
}

// StepType identifies a validation pipeline stage
type StepType string

const (
	StepSnapshotCreation     StepType = "snapshot_creation"
	StepCodeClone            StepType = "code_clone"
	StepCodeAnalysis         StepType = "code_analysis"
	StepDeployment           StepType = "deployment"
	StepDeploymentValidation StepType = "deployment_validation"
	StepUITesting            StepType = "ui_testing"
	StepAutoMerge            StepType = "auto_merge"
)

// StepStatus represents the state of a single validation step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal returns true if the step reached a final state
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}
