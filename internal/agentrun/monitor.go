package agentrun

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/classifier"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/notify"
)

// monitor polls the agent task until the run reaches a terminal state or
// parks waiting for input. Transient poll errors back off with jitter up to
// the configured ceiling; the nominal interval is restored after a success.
// An optional deadline caps the whole attempt; a Continue starts a fresh
// monitor and with it a fresh deadline.
func (o *Orchestrator) monitor(ctx context.Context, runID string) {
	delay := o.cfg.PollInterval
	failures := 0

	var deadline time.Time
	if o.cfg.MonitorDeadline > 0 {
		deadline = time.Now().Add(o.cfg.MonitorDeadline)
	}

	for {
		if !sleep(ctx, jitter(delay)) {
			return
		}

		run, err := o.store.GetAgentRun(runID)
		if err != nil {
			log.Printf("Warning: monitor for %s cannot load run: %v", runID, err)
			return
		}
		if run.Status.Terminal() || run.Status == domain.AgentRunWaitingForInput {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.failRun(runID, fmt.Sprintf("no terminal state within %s", o.cfg.MonitorDeadline))
			return
		}

		cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		status, err := o.tasks.GetStatus(cctx, clients.TaskRef{ID: run.ExternalTaskID})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if clients.IsTransient(err) {
				failures++
				if failures >= o.cfg.MaxPollFailures {
					o.failRun(runID, "agent status polling gave up: "+err.Error())
					return
				}
				delay = minDuration(delay*2, o.cfg.BackoffCeiling)
				continue
			}
			o.failRun(runID, err.Error())
			return
		}

		failures = 0
		delay = o.cfg.PollInterval

		if o.handleStatus(ctx, runID, status) {
			return
		}
	}
}

// handleStatus classifies one poll response and advances the run.
// Returns true when the monitor loop should exit.
func (o *Orchestrator) handleStatus(ctx context.Context, runID string, status clients.TaskStatus) bool {
	cls := o.classifier.Classify(status)

	switch cls.Kind {
	case classifier.KindError:
		msg := status.ResponseText
		if msg == "" {
			msg = "agent task failed"
		}
		o.failRun(runID, msg)
		return true

	case classifier.KindPR:
		return o.handlePR(runID, status, *cls.PR)

	case classifier.KindPlan:
		return o.handlePlan(ctx, runID, status)

	default:
		return o.handleRegular(runID, status)
	}
}

func (o *Orchestrator) handlePR(runID string, status clients.TaskStatus, ref domain.PRRef) bool {
	now := time.Now()
	var known bool
	run, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
		// a fix-forward continuation re-announces the PR it is fixing;
		// that must not look like a second PR
		known = r.PRNumber == ref.Number && r.PRURL == ref.URL
		r.Classification = domain.ClassPRCreation
		r.PRURL = ref.URL
		r.PRNumber = ref.Number
		r.Result = status.ResponseText
		r.Status = domain.AgentRunCompleted
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("Warning: recording PR for run %s: %v", runID, err)
		return true
	}

	o.emit(run)
	if known {
		return true
	}

	o.notifier.Send(notify.Notification{
		Title:   "Agent created a pull request",
		Message: ref.String(),
		Type:    notify.NotifySuccess,
		RunID:   runID,
		PRURL:   ref.URL,
	})

	// Hand off to the validation pipeline without waiting for it
	if o.validations != nil {
		projectID := run.ProjectID
		go func() {
			if err := o.validations.StartValidation(context.Background(), projectID, ref.Number, ref.URL, runID); err != nil {
				log.Printf("Warning: starting validation for %s: %v", ref, err)
			}
		}()
	}
	return true
}

func (o *Orchestrator) handlePlan(ctx context.Context, runID string, status clients.TaskStatus) bool {
	run, err := o.store.GetAgentRun(runID)
	if err != nil {
		return true
	}

	if run.AutoConfirmPlans {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		_, err := o.tasks.Continue(cctx, clients.TaskRef{ID: run.ExternalTaskID}, "", clients.ActionConfirmPlan)
		cancel()
		if err != nil {
			if clients.IsTransient(err) {
				return false // next poll will see the plan again
			}
			o.failRun(runID, "confirming plan: "+err.Error())
			return true
		}
		updated, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
			r.Classification = domain.ClassPlan
			r.Result = status.ResponseText
			r.Status = domain.AgentRunRunning
			r.Continuations++
			return nil
		})
		if err == nil {
			o.emit(updated)
		}
		return false
	}

	updated, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
		r.Classification = domain.ClassPlan
		r.Result = status.ResponseText
		r.Status = domain.AgentRunWaitingForInput
		return nil
	})
	if err != nil {
		return true
	}
	o.emit(updated)
	o.notifier.Send(notify.Notification{
		Title:   "Agent plan awaiting confirmation",
		Message: "A plan needs review before the agent continues.",
		Type:    notify.NotifyWarning,
		RunID:   runID,
	})
	return true // parked; an explicit Continue restarts the monitor
}

func (o *Orchestrator) handleRegular(runID string, status clients.TaskStatus) bool {
	switch status.State {
	case clients.TaskCompleted:
		now := time.Now()
		updated, err := o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
			r.Result = status.ResponseText
			r.Status = domain.AgentRunCompleted
			r.FinishedAt = &now
			return nil
		})
		if err == nil {
			o.emit(updated)
			o.notifier.Send(notify.Notification{
				Title: "Agent run completed",
				Type:  notify.NotifySuccess,
				RunID: runID,
			})
		}
		return true

	default:
		now := time.Now()
		o.store.UpdateAgentRun(runID, func(r *domain.AgentRun) error {
			if r.Status == domain.AgentRunPending {
				r.Status = domain.AgentRunRunning
				r.StartedAt = &now
			}
			if status.ResponseText != "" {
				r.Result = status.ResponseText
			}
			return nil
		})
		return false
	}
}

// jitter spreads a delay over [d/2, d) so many monitors never poll in lockstep
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
