package domain

import "time"

// ValidationRun represents one full pipeline execution for a specific PR
type ValidationRun struct {
	Entity
	ProjectID         string
	AgentRunID        string // optional: the agent run that produced the PR
	PRNumber          int
	PRURL             string
	Branch            string
	CommitSHA         string
	Status            ValidationRunStatus
	CurrentStep       int
	OverallScore      float64 // meaningful once status is completed or failed
	AutoMergeEligible bool
	AutoMergeExecuted bool
	RetryCount        int
	SnapshotID        string // sandbox snapshot, cleaned up by maintenance
	ErrorMessage      string
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// ValidationStep is one stage within a validation run
type ValidationStep struct {
	ID           string
	RunID        string
	Index        int
	Type         StepType
	Status       StepStatus
	Score        *float64 // nil until the step completes
	Weight       float64
	Critical     bool
	RetryCount   int
	Logs         string
	ErrorMessage string
	ExternalRef  string // external service reference (snapshot id, analysis id, ...)
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Fixable reports whether a failing step can be handed back to the agent
// for a fix-forward attempt. Only deployment and UI testing produce errors
// the agent can act on.
func (s *ValidationStep) Fixable() bool {
	return s.Type == StepDeployment || s.Type == StepUITesting
}

// stepSpec defines the fixed step table of the pipeline
type stepSpec struct {
	typ      StepType
	weight   float64
	critical bool
}

var stepTable = []stepSpec{
	{StepSnapshotCreation, 1.0, true},
	{StepCodeClone, 1.0, true},
	{StepCodeAnalysis, 1.0, false},
	{StepDeployment, 2.0, true},
	{StepDeploymentValidation, 1.5, true},
	{StepUITesting, 1.0, false},
	{StepAutoMerge, 0, false}, // weight 0: the decision step never scores itself
}

// NumSteps is the number of stages in every validation run
var NumSteps = len(stepTable)

// NewValidationSteps creates the full pending step list for a run
func NewValidationSteps(runID string, newID func() string) []*ValidationStep {
	steps := make([]*ValidationStep, 0, len(stepTable))
	for i, spec := range stepTable {
		steps = append(steps, &ValidationStep{
			ID:       newID(),
			RunID:    runID,
			Index:    i,
			Type:     spec.typ,
			Status:   StepPending,
			Weight:   spec.weight,
			Critical: spec.critical,
		})
	}
	return steps
}

// OverallScore computes the weighted average confidence over completed steps.
// Skipped and unreached steps contribute to neither numerator nor denominator.
func OverallScore(steps []*ValidationStep) float64 {
	var sum, weights float64
	for _, s := range steps {
		if s.Status != StepCompleted || s.Score == nil || s.Weight == 0 {
			continue
		}
		sum += *s.Score * s.Weight
		weights += s.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// HasCriticalFailure reports whether any critical step failed
func HasCriticalFailure(steps []*ValidationStep) bool {
	for _, s := range steps {
		if s.Critical && s.Status == StepFailed {
			return true
		}
	}
	return false
}
