package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
	"github.com/robfig/cron/v3"
)

// Sweeper runs periodic housekeeping: reaping validation runs that stopped
// making progress and disposing of sandbox snapshots left behind by
// finished runs.
type Sweeper struct {
	store      *store.Store
	sandbox    clients.SandboxClient
	staleAfter time.Duration
	spec       string

	cron *cron.Cron
}

// New creates a sweeper with the given cron spec (standard 5-field syntax)
func New(st *store.Store, sandbox clients.SandboxClient, spec string, staleAfter time.Duration) *Sweeper {
	if staleAfter == 0 {
		staleAfter = time.Hour
	}
	return &Sweeper{
		store:      st,
		sandbox:    sandbox,
		staleAfter: staleAfter,
		spec:       spec,
		cron:       cron.New(),
	}
}

// Start schedules the sweep and begins running it
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one housekeeping pass. Exported so an operator can trigger it
// outside the schedule.
func (s *Sweeper) Sweep() {
	s.reapStale()
	s.cleanSnapshots()
}

// reapStale fails RUNNING validation runs that have not been touched within
// the stale window. Their goroutine is gone or wedged; the run will never
// finish on its own.
func (s *Sweeper) reapStale() {
	cutoff := time.Now().Add(-s.staleAfter)
	runs, err := s.store.ListStaleRunningValidationRuns(cutoff)
	if err != nil {
		log.Printf("Warning: listing stale validation runs: %v", err)
		return
	}

	for _, run := range runs {
		now := time.Now()
		_, err := s.store.UpdateValidationRun(run.ID, func(r *domain.ValidationRun) error {
			if r.Status != domain.ValidationRunning {
				return nil // finished between the query and now
			}
			r.Status = domain.ValidationFailed
			r.ErrorMessage = "no progress since " + r.UpdatedAt.Format(time.RFC3339)
			r.FinishedAt = &now
			return nil
		})
		if err != nil {
			log.Printf("Warning: reaping stale run %s: %v", run.ID, err)
			continue
		}
		log.Printf("Reaped stale validation run %s (PR #%d)", run.ID, run.PRNumber)
	}
}

// cleanSnapshots deletes sandbox snapshots of terminal runs
func (s *Sweeper) cleanSnapshots() {
	runs, err := s.store.ListFinishedRunsWithSnapshots()
	if err != nil {
		log.Printf("Warning: listing runs with snapshots: %v", err)
		return
	}

	for _, run := range runs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.sandbox.Delete(ctx, run.SnapshotID)
		cancel()
		if err != nil {
			log.Printf("Warning: deleting snapshot %s: %v", run.SnapshotID, err)
			continue
		}

		if _, err := s.store.UpdateValidationRun(run.ID, func(r *domain.ValidationRun) error {
			r.SnapshotID = ""
			return nil
		}); err != nil {
			log.Printf("Warning: clearing snapshot ref on run %s: %v", run.ID, err)
		}
	}
}
