package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/scenarios"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
)

// AgentContinuer hands validation failures back to the agent run that
// produced the PR. Implemented by the agent run orchestrator; injected via
// setter to keep the dependency direction one-way.
type AgentContinuer interface {
	Continue(ctx context.Context, runID, message string, action clients.ContinueAction) error
	AwaitRun(ctx context.Context, runID string, timeout time.Duration) (domain.AgentRunStatus, error)
}

// EventFunc receives validation lifecycle events for streaming to dashboards
type EventFunc func(event string, data interface{})

// Config holds the pipeline tuning knobs
type Config struct {
	MaxConcurrent    int           // simultaneous validation runs; extra starts queue
	ScoreThreshold   float64       // minimum overall score for auto-merge
	MaxFixRetries    int           // fix-forward attempts per fixable step
	FixWait          time.Duration // bounded wait for one agent fix attempt
	StepTimeout      time.Duration // per-step execution budget
	TransientRetries int           // infra-error retries per step attempt
}

func (c *Config) withDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 5
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = 80
	}
	if c.MaxFixRetries == 0 {
		c.MaxFixRetries = 3
	}
	if c.FixWait == 0 {
		c.FixWait = 2 * time.Minute
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 10 * time.Minute
	}
	if c.TransientRetries == 0 {
		c.TransientRetries = 3
	}
}

// Orchestrator drives validation runs through the fixed step sequence.
// Each run executes in its own goroutine; concurrency is bounded by a
// blocking slot pool, so surplus runs queue in PENDING.
type Orchestrator struct {
	store     *store.Store
	source    clients.SourceControlClient
	executors map[domain.StepType]StepExecutor
	cfg       Config
	pool      *slotPool

	continuer AgentContinuer
	notifier  notify.Notifier
	onEvent   EventFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a validation pipeline orchestrator
func New(st *store.Store, sandbox clients.SandboxClient, analysis clients.StaticAnalysisClient,
	uieval clients.UiEvaluationClient, source clients.SourceControlClient,
	loader *scenarios.Loader, cfg Config) *Orchestrator {

	cfg.withDefaults()

	executors := map[domain.StepType]StepExecutor{
		domain.StepSnapshotCreation:     &snapshotExecutor{sandbox: sandbox},
		domain.StepCodeClone:            &cloneExecutor{sandbox: sandbox},
		domain.StepCodeAnalysis:         &analysisExecutor{analysis: analysis},
		domain.StepDeployment:           &deployExecutor{sandbox: sandbox, timeout: cfg.StepTimeout},
		domain.StepDeploymentValidation: newDeployValidationExecutor(),
		domain.StepUITesting:            &uiTestingExecutor{uieval: uieval, loader: loader, timeout: cfg.StepTimeout},
		domain.StepAutoMerge:            &autoMergeExecutor{source: source},
	}

	return &Orchestrator{
		store:     st,
		source:    source,
		executors: executors,
		cfg:       cfg,
		pool:      newSlotPool(cfg.MaxConcurrent),
		notifier:  notify.NoopNotifier{},
		cancels:   make(map[string]context.CancelFunc),
	}
}

// SetAgentContinuer wires the fix-forward hand-back to the agent orchestrator
func (o *Orchestrator) SetAgentContinuer(c AgentContinuer) {
	o.continuer = c
}

// SetNotifier sets the notifier for validation outcome events
func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	if n != nil {
		o.notifier = n
	}
}

// SetEventFunc sets the callback for validation lifecycle events
func (o *Orchestrator) SetEventFunc(fn EventFunc) {
	o.onEvent = fn
}

// ActiveSlots returns the number of validation runs currently executing
func (o *Orchestrator) ActiveSlots() int {
	return o.pool.inUse()
}

// Start creates a validation run for a PR and begins executing it. The run
// is persisted in PENDING immediately; execution may queue behind the
// concurrency limit.
func (o *Orchestrator) Start(ctx context.Context, projectID string, prNumber int, prURL, agentRunID string) (*domain.ValidationRun, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown project %q", projectID)
		}
		return nil, err
	}

	run := &domain.ValidationRun{
		Entity:     domain.Entity{ID: uuid.NewString()},
		ProjectID:  project.ID,
		AgentRunID: agentRunID,
		PRNumber:   prNumber,
		PRURL:      prURL,
		Status:     domain.ValidationPending,
	}

	// Branch and head commit come from source control; a lookup failure
	// only costs us commit pinning, the clone falls back to the branch tip.
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if pr, err := o.source.GetPullRequest(cctx, project.RepoOwner, project.RepoName, prNumber); err == nil {
		run.Branch = pr.Branch
		run.CommitSHA = pr.CommitSHA
	} else {
		log.Printf("Warning: looking up PR #%d in %s: %v", prNumber, project.RepoSlug(), err)
	}
	cancel()

	// A commit already under validation is not validated twice, no matter
	// which trigger asked
	if run.CommitSHA != "" {
		existing, err := o.store.FindValidationRunForPR(project.ID, prNumber, run.CommitSHA)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	steps := domain.NewValidationSteps(run.ID, uuid.NewString)
	if err := o.store.CreateValidationRun(run, steps); err != nil {
		return nil, err
	}
	o.emitRun(run)

	o.launch(run.ID)
	return run, nil
}

// StartValidation adapts Start to the trigger interface the agent run
// orchestrator consumes
func (o *Orchestrator) StartValidation(ctx context.Context, projectID string, prNumber int, prURL, agentRunID string) error {
	_, err := o.Start(ctx, projectID, prNumber, prURL, agentRunID)
	return err
}

// OnPullRequestOpened handles a source-control webhook. A commit that
// already has a validation run is not validated again.
func (o *Orchestrator) OnPullRequestOpened(ctx context.Context, projectID string, prNumber int, prURL, branch, commitSHA string) (*domain.ValidationRun, error) {
	existing, err := o.store.FindValidationRunForPR(projectID, prNumber, commitSHA)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	project, err := o.store.GetProject(projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown project %q", projectID)
		}
		return nil, err
	}

	run := &domain.ValidationRun{
		Entity:    domain.Entity{ID: uuid.NewString()},
		ProjectID: project.ID,
		PRNumber:  prNumber,
		PRURL:     prURL,
		Branch:    branch,
		CommitSHA: commitSHA,
		Status:    domain.ValidationPending,
	}
	steps := domain.NewValidationSteps(run.ID, uuid.NewString)
	if err := o.store.CreateValidationRun(run, steps); err != nil {
		return nil, err
	}
	o.emitRun(run)

	o.launch(run.ID)
	return run, nil
}

// Retry creates a fresh run for the same PR, superseding the given one.
// Only terminal runs can be retried.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (*domain.ValidationRun, error) {
	old, err := o.store.GetValidationRun(runID)
	if err != nil {
		return nil, err
	}
	if !old.Status.Terminal() {
		return nil, fmt.Errorf("run %s is still %s", runID, old.Status)
	}

	run := &domain.ValidationRun{
		Entity:     domain.Entity{ID: uuid.NewString()},
		ProjectID:  old.ProjectID,
		AgentRunID: old.AgentRunID,
		PRNumber:   old.PRNumber,
		PRURL:      old.PRURL,
		Branch:     old.Branch,
		CommitSHA:  old.CommitSHA,
		Status:     domain.ValidationPending,
		RetryCount: old.RetryCount + 1,
	}
	steps := domain.NewValidationSteps(run.ID, uuid.NewString)
	if err := o.store.CreateValidationRun(run, steps); err != nil {
		return nil, err
	}
	o.emitRun(run)

	o.launch(run.ID)
	return run, nil
}

// Cancel requests cancellation of a run. A running run stops at its next
// step boundary; a queued run never starts. Cancelling a terminal run is
// a no-op.
func (o *Orchestrator) Cancel(runID string) error {
	run, err := o.store.GetValidationRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	// no goroutine owns the run (e.g. created before a restart)
	return o.markCancelled(runID)
}

// Recover marks validation runs that were mid-flight when the process last
// stopped. Sandbox state is gone after a restart, so interrupted runs fail
// rather than resume; queued runs are simply restarted.
func (o *Orchestrator) Recover() error {
	running, err := o.store.ListValidationRunsByStatus(domain.ValidationRunning)
	if err != nil {
		return err
	}
	for _, run := range running {
		now := time.Now()
		updated, err := o.store.UpdateValidationRun(run.ID, func(r *domain.ValidationRun) error {
			r.Status = domain.ValidationFailed
			r.ErrorMessage = "interrupted by orchestrator restart"
			r.FinishedAt = &now
			return nil
		})
		if err != nil {
			log.Printf("Warning: failing interrupted validation %s: %v", run.ID, err)
			continue
		}
		o.emitRun(updated)
	}

	pending, err := o.store.ListValidationRunsByStatus(domain.ValidationPending)
	if err != nil {
		return err
	}
	for _, run := range pending {
		o.launch(run.ID)
	}
	return nil
}

// Shutdown cancels all running validations and waits for them to stop
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for id, cancel := range o.cancels {
		cancel()
		delete(o.cancels, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) launch(runID string) {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, runID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(ctx, runID)
	}()
}

func (o *Orchestrator) emitRun(run *domain.ValidationRun) {
	if o.onEvent != nil {
		o.onEvent("validation_run", run)
	}
}

func (o *Orchestrator) emitStep(step *domain.ValidationStep) {
	if o.onEvent != nil {
		o.onEvent("validation_step", step)
	}
}
