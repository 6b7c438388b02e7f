package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/notify"
)

// execute drives one validation run through the step sequence. The run ctx
// is only consulted at step boundaries; a step that has started runs to
// completion under its own timeout.
func (o *Orchestrator) execute(ctx context.Context, runID string) {
	if err := o.pool.acquire(ctx); err != nil {
		o.markCancelled(runID)
		return
	}
	defer o.pool.release()

	run, err := o.store.GetValidationRun(runID)
	if err != nil {
		log.Printf("Warning: loading validation run %s: %v", runID, err)
		return
	}
	project, err := o.store.GetProject(run.ProjectID)
	if err != nil {
		o.failRun(runID, "loading project: "+err.Error())
		return
	}
	steps, err := o.store.GetValidationSteps(runID)
	if err != nil {
		o.failRun(runID, "loading steps: "+err.Error())
		return
	}

	now := time.Now()
	run, err = o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
		r.Status = domain.ValidationRunning
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: starting validation run %s: %v", runID, err)
		return
	}
	o.emitRun(run)

	var (
		snapshotID string
		failed     *domain.ValidationStep
		merged     bool
		eligible   bool
	)

	for i := range steps {
		if ctx.Err() != nil {
			o.markCancelled(runID)
			return
		}

		run, err = o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
			r.CurrentStep = i
			return nil
		})
		if err != nil {
			log.Printf("Warning: advancing validation run %s: %v", runID, err)
			return
		}
		o.emitRun(run)

		in := StepInput{
			Project:    project,
			Run:        run,
			Step:       steps[i],
			Steps:      steps[:i],
			SnapshotID: snapshotID,
		}
		if steps[i].Type == domain.StepAutoMerge {
			in.Score = domain.OverallScore(steps)
			in.Eligible = !domain.HasCriticalFailure(steps) && in.Score >= o.cfg.ScoreThreshold
			eligible = in.Eligible
		}

		step, outcome := o.runStep(ctx, in)
		if step == nil {
			return
		}
		steps[i] = step

		if outcome.SnapshotID != "" {
			snapshotID = outcome.SnapshotID
			run, _ = o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
				r.SnapshotID = snapshotID
				return nil
			})
		}
		if outcome.Merged {
			merged = true
		}

		if step.Status == domain.StepFailed && step.Critical {
			failed = step
			break
		}
	}

	o.finish(runID, project, steps, failed, eligible, merged)
}

// runStep executes one step including transient retries and the fix-forward
// protocol for fixable steps. Returns the persisted step and the last
// outcome, or nil when persistence broke.
func (o *Orchestrator) runStep(ctx context.Context, in StepInput) (*domain.ValidationStep, StepOutcome) {
	runID := in.Run.ID

	now := time.Now()
	step, err := o.store.UpdateValidationStep(runID, in.Step.ID, func(s *domain.ValidationStep) error {
		s.Status = domain.StepRunning
		s.StartedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: starting step %s of run %s: %v", in.Step.Type, runID, err)
		return nil, StepOutcome{}
	}
	o.emitStep(step)
	in.Step = step

	exec, ok := o.executors[step.Type]
	if !ok {
		step = o.finishStep(runID, step, StepOutcome{ErrorMsg: "no executor for step type " + string(step.Type)}, domain.StepFailed)
		return step, StepOutcome{}
	}

	for {
		outcome, err := o.invoke(exec, in)
		if err != nil {
			outcome = StepOutcome{ErrorMsg: err.Error()}
		}

		if outcome.Skipped {
			return o.finishStep(runID, step, outcome, domain.StepSkipped), outcome
		}
		if outcome.Passed {
			return o.finishStep(runID, step, outcome, domain.StepCompleted), outcome
		}

		if !o.canFix(ctx, in.Run, step) {
			return o.finishStep(runID, step, outcome, domain.StepFailed), outcome
		}

		step, err = o.store.UpdateValidationStep(runID, step.ID, func(s *domain.ValidationStep) error {
			s.RetryCount++
			s.Logs = outcome.Logs
			s.ErrorMessage = outcome.ErrorMsg
			return nil
		})
		if err != nil {
			log.Printf("Warning: recording fix attempt on step %s: %v", in.Step.ID, err)
			return nil, StepOutcome{}
		}
		o.emitStep(step)
		in.Step = step

		if err := o.continuer.Continue(ctx, in.Run.AgentRunID, fixPrompt(step, outcome), clients.ActionContinue); err != nil {
			log.Printf("Warning: fix-forward hand-back for run %s: %v", runID, err)
			return o.finishStep(runID, step, outcome, domain.StepFailed), outcome
		}
		if _, err := o.continuer.AwaitRun(ctx, in.Run.AgentRunID, o.cfg.FixWait); err != nil {
			// the wait is a bounded courtesy; re-run the step regardless
			log.Printf("Warning: waiting for fix on run %s: %v", runID, err)
		}
	}
}

// invoke runs the executor with a fresh per-step timeout, retrying
// transient infrastructure errors with a short linear backoff
func (o *Orchestrator) invoke(exec StepExecutor, in StepInput) (StepOutcome, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.TransientRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}

		sctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepTimeout)
		outcome, err := exec.Run(sctx, in)
		cancel()
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !clients.IsTransient(err) {
			break
		}
	}
	return StepOutcome{}, lastErr
}

// canFix reports whether a failing step should go back to the agent for
// another attempt
func (o *Orchestrator) canFix(ctx context.Context, run *domain.ValidationRun, step *domain.ValidationStep) bool {
	return step.Fixable() &&
		run.AgentRunID != "" &&
		o.continuer != nil &&
		step.RetryCount < o.cfg.MaxFixRetries &&
		ctx.Err() == nil
}

func (o *Orchestrator) finishStep(runID string, step *domain.ValidationStep, outcome StepOutcome, status domain.StepStatus) *domain.ValidationStep {
	now := time.Now()
	updated, err := o.store.UpdateValidationStep(runID, step.ID, func(s *domain.ValidationStep) error {
		s.Status = status
		s.Score = outcome.Score
		if outcome.Logs != "" {
			s.Logs = outcome.Logs
		}
		s.ErrorMessage = outcome.ErrorMsg
		if outcome.ExternalRef != "" {
			s.ExternalRef = outcome.ExternalRef
		}
		s.FinishedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: finishing step %s of run %s: %v", step.ID, runID, err)
		return nil
	}
	o.emitStep(updated)
	return updated
}

// finish writes the terminal run state and sends the outcome notification
func (o *Orchestrator) finish(runID string, project *domain.Project, steps []*domain.ValidationStep,
	failed *domain.ValidationStep, eligible, merged bool) {

	score := domain.OverallScore(steps)
	now := time.Now()

	if failed != nil {
		updated, err := o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
			r.Status = domain.ValidationFailed
			r.OverallScore = score
			r.AutoMergeEligible = false
			r.ErrorMessage = fmt.Sprintf("%s failed: %s", failed.Type, failed.ErrorMessage)
			r.FinishedAt = &now
			return nil
		})
		if err != nil {
			log.Printf("Warning: failing validation run %s: %v", runID, err)
			return
		}
		o.emitRun(updated)
		o.notifier.Send(notify.Notification{
			Title:   "Validation failed",
			Message: fmt.Sprintf("%s PR #%d: %s (score %.1f)", project.Name, updated.PRNumber, updated.ErrorMessage, score),
			Type:    notify.NotifyError,
			RunID:   runID,
			PRURL:   updated.PRURL,
		})
		return
	}

	updated, err := o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
		r.Status = domain.ValidationCompleted
		r.OverallScore = score
		r.AutoMergeEligible = eligible
		r.AutoMergeExecuted = merged
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: completing validation run %s: %v", runID, err)
		return
	}
	o.emitRun(updated)

	msg := fmt.Sprintf("%s PR #%d scored %.1f", project.Name, updated.PRNumber, score)
	if merged {
		msg += ", merged automatically"
	}
	o.notifier.Send(notify.Notification{
		Title:   "Validation completed",
		Message: msg,
		Type:    notify.NotifySuccess,
		RunID:   runID,
		PRURL:   updated.PRURL,
	})
}

func (o *Orchestrator) markCancelled(runID string) error {
	now := time.Now()
	updated, err := o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = domain.ValidationCancelled
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.emitRun(updated)
	return nil
}

func (o *Orchestrator) failRun(runID, msg string) {
	now := time.Now()
	updated, err := o.store.UpdateValidationRun(runID, func(r *domain.ValidationRun) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = domain.ValidationFailed
		r.ErrorMessage = msg
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: failed to mark validation %s failed: %v", runID, err)
		return
	}
	o.emitRun(updated)
}

// fixPrompt builds the error context handed back to the agent for a
// fix-forward attempt
func fixPrompt(step *domain.ValidationStep, outcome StepOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %s validation step failed for your pull request (attempt %d).\n", step.Type, step.RetryCount)
	if outcome.ErrorMsg != "" {
		fmt.Fprintf(&b, "Error: %s\n", outcome.ErrorMsg)
	}
	if logs := tail(outcome.Logs, 2000); logs != "" {
		fmt.Fprintf(&b, "Logs:\n%s\n", logs)
	}
	b.WriteString("Please fix the issue and push to the same branch.")
	return b.String()
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
