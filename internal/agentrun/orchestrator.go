package agentrun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/classifier"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
)

// ValidationStarter kicks off a validation pipeline for a freshly created PR.
// Implemented by the pipeline orchestrator; injected via setter to keep the
// dependency direction one-way.
type ValidationStarter interface {
	StartValidation(ctx context.Context, projectID string, prNumber int, prURL, agentRunID string) error
}

// EventFunc receives run lifecycle events for streaming to dashboards
type EventFunc func(event string, data interface{})

// Config holds the monitor loop tuning knobs
type Config struct {
	PollInterval    time.Duration // nominal delay between status polls
	BackoffCeiling  time.Duration // max delay after repeated transient errors
	CallTimeout     time.Duration // per-call timeout for agent API requests
	MaxPollFailures int           // consecutive transient failures before giving up
	MonitorDeadline time.Duration // cap on monitoring one attempt; 0 = unbounded
}

func (c *Config) withDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = time.Minute
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxPollFailures == 0 {
		c.MaxPollFailures = 10
	}
}

// Orchestrator owns the agent run state machine. Each active run has exactly
// one monitor goroutine; all run mutations go through the store's per-id
// locked updates.
type Orchestrator struct {
	store      *store.Store
	tasks      clients.AgentTaskClient
	classifier classifier.ResponseClassifier
	cfg        Config

	validations ValidationStarter
	notifier    notify.Notifier
	onEvent     EventFunc

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an agent run orchestrator
func New(st *store.Store, tasks clients.AgentTaskClient, cls classifier.ResponseClassifier, cfg Config) *Orchestrator {
	cfg.withDefaults()
	if cls == nil {
		cls = classifier.NewHeuristic()
	}
	return &Orchestrator{
		store:      st,
		tasks:      tasks,
		classifier: cls,
		cfg:        cfg,
		notifier:   notify.NoopNotifier{},
		monitors:   make(map[string]context.CancelFunc),
	}
}

// SetValidationStarter wires the validation pipeline trigger
func (o *Orchestrator) SetValidationStarter(v ValidationStarter) {
	o.validations = v
}

// SetNotifier sets the notifier for run outcome events
func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	if n != nil {
		o.notifier = n
	}
}

// SetEventFunc sets the callback for run lifecycle events
func (o *Orchestrator) SetEventFunc(fn EventFunc) {
	o.onEvent = fn
}

// CreateRun creates an agent task upstream and persists the run in PENDING.
// Nothing is persisted when task creation fails.
func (o *Orchestrator) CreateRun(ctx context.Context, projectID, prompt, planningStatement string) (*domain.AgentRun, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown project %q", projectID)
		}
		return nil, err
	}

	run := &domain.AgentRun{
		Entity:            domain.Entity{ID: uuid.NewString()},
		ProjectID:         project.ID,
		Prompt:            prompt,
		PlanningStatement: planningStatement,
		Status:            domain.AgentRunPending,
		Classification:    domain.ClassRegular,
		AutoConfirmPlans:  project.AutoConfirmPlans,
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	ref, err := o.tasks.Create(cctx, run.CombinedPrompt(), map[string]string{
		"project_id": project.ID,
		"run_id":     run.ID,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("creating agent task: %w", err)
	}
	run.ExternalTaskID = ref.ID

	if err := o.store.CreateAgentRun(run); err != nil {
		return nil, err
	}

	o.emit(run)
	o.startMonitor(run.ID)
	return run, nil
}

// Continue feeds a message back into a run. Allowed from WAITING_FOR_INPUT
// and from terminal non-cancelled states (continuation of a finished run is
// a new attempt on the same task, not a mutation of history).
func (o *Orchestrator) Continue(ctx context.Context, runID, message string, action clients.ContinueAction) error {
	run, err := o.store.GetAgentRun(runID)
	if err != nil {
		return err
	}
	if !run.CanContinue() {
		return fmt.Errorf("run %s cannot be continued from status %s", runID, run.Status)
	}
	if run.ExternalTaskID == "" {
		return fmt.Errorf("run %s has no external task", runID)
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	_, err = o.tasks.Continue(cctx, clients.TaskRef{ID: run.ExternalTaskID}, message, action)
	cancel()
	if err != nil {
		return fmt.Errorf("continuing agent task: %w", err)
	}

	updated, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
		r.Status = domain.AgentRunRunning
		// the classification belongs to the previous attempt; without the
		// reset a waiter would see the old PR and stop waiting immediately
		r.Classification = domain.ClassRegular
		r.Continuations++
		r.FinishedAt = nil
		r.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return err
	}

	o.emit(updated)
	o.startMonitor(runID)
	return nil
}

// Cancel stops a run. Upstream cancellation is best-effort; local state moves
// to CANCELLED regardless. Cancelling a terminal run is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.store.GetAgentRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	if run.ExternalTaskID != "" {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		if _, err := o.tasks.Cancel(cctx, clients.TaskRef{ID: run.ExternalTaskID}); err != nil {
			log.Printf("Warning: upstream cancel of task %s failed: %v", run.ExternalTaskID, err)
		}
		cancel()
	}

	o.stopMonitor(runID)

	now := time.Now()
	updated, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = domain.AgentRunCancelled
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.emit(updated)
	return nil
}

// AwaitRun blocks until the run reaches a terminal state, parks for input,
// or produces a PR. Continue resets the classification, so a waiter started
// after a hand-back sees the current attempt's outcome, never the PR of the
// previous one. Used by the pipeline's fix-forward wait.
func (o *Orchestrator) AwaitRun(ctx context.Context, runID string, timeout time.Duration) (domain.AgentRunStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		run, err := o.store.GetAgentRun(runID)
		if err != nil {
			return "", err
		}
		if run.Status.Terminal() || run.Status == domain.AgentRunWaitingForInput ||
			run.Classification == domain.ClassPRCreation {
			return run.Status, nil
		}
		if time.Now().After(deadline) {
			return run.Status, fmt.Errorf("run %s still %s after %s", runID, run.Status, timeout)
		}
		if !sleep(ctx, o.cfg.PollInterval) {
			return run.Status, ctx.Err()
		}
	}
}

// Recover re-attaches monitors to runs that were active when the process
// last stopped
func (o *Orchestrator) Recover() error {
	runs, err := o.store.ListActiveAgentRuns()
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status == domain.AgentRunWaitingForInput {
			continue // parked until an explicit Continue
		}
		if run.ExternalTaskID == "" {
			o.failRun(run.ID, "no external task recorded")
			continue
		}
		o.startMonitor(run.ID)
	}
	return nil
}

// Shutdown cancels all monitors and waits for them to exit
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for id, cancel := range o.monitors {
		cancel()
		delete(o.monitors, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) startMonitor(runID string) {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if prev, ok := o.monitors[runID]; ok {
		prev()
	}
	o.monitors[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			if o.monitors[runID] != nil {
				delete(o.monitors, runID)
			}
			o.mu.Unlock()
		}()
		o.monitor(ctx, runID)
	}()
}

func (o *Orchestrator) stopMonitor(runID string) {
	o.mu.Lock()
	if cancel, ok := o.monitors[runID]; ok {
		cancel()
		delete(o.monitors, runID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) emit(run *domain.AgentRun) {
	if o.onEvent != nil {
		o.onEvent("agent_run", run)
	}
}

func (o *Orchestrator) failRun(runID, msg string) {
	now := time.Now()
	updated, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = domain.AgentRunFailed
		r.ErrorMessage = msg
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: failed to mark run %s failed: %v", runID, err)
		return
	}
	o.emit(updated)
	o.notifier.Send(notify.Notification{
		Title:   "Agent run failed",
		Message: msg,
		Type:    notify.NotifyError,
		RunID:   runID,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
