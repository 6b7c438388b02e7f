package maintenance

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
)

type fakeSandbox struct {
	mu        sync.Mutex
	deleted   []string
	deleteErr error
}

func (f *fakeSandbox) CreateSnapshot(ctx context.Context, cfg clients.SnapshotConfig) (string, error) {
	return "", nil
}

func (f *fakeSandbox) Clone(ctx context.Context, snapshotID, repoURL, branch string) error {
	return nil
}

func (f *fakeSandbox) Execute(ctx context.Context, snapshotID string, commands []string, timeout time.Duration) (clients.ExecResult, error) {
	return clients.ExecResult{}, nil
}

func (f *fakeSandbox) Delete(ctx context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, snapshotID)
	return nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	project := &domain.Project{
		Entity:    domain.Entity{ID: "proj-1"},
		Name:      "Shop",
		RepoOwner: "acme",
		RepoName:  "shop",
		RepoURL:   "https://github.com/acme/shop",
	}
	if err := st.CreateProject(project); err != nil {
		t.Fatal(err)
	}
	return st
}

func createRun(t *testing.T, st *store.Store, id string, status domain.ValidationRunStatus, snapshotID string) {
	t.Helper()
	run := &domain.ValidationRun{
		Entity:    domain.Entity{ID: id},
		ProjectID: "proj-1",
		PRNumber:  1,
		PRURL:     "https://github.com/acme/shop/pull/1",
		Status:    domain.ValidationPending,
	}
	i := 0
	steps := domain.NewValidationSteps(id, func() string {
		i++
		return fmt.Sprintf("%s-%d", id, i)
	})
	if err := st.CreateValidationRun(run, steps); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateValidationRun(id, func(r *domain.ValidationRun) error {
		r.Status = status
		r.SnapshotID = snapshotID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSweepReapsStaleRuns(t *testing.T) {
	st := testStore(t)
	createRun(t, st, "val-stale", domain.ValidationRunning, "")

	// tiny window so the freshly written run already counts as stale
	sweeper := New(st, &fakeSandbox{}, "* * * * *", time.Nanosecond)
	time.Sleep(time.Millisecond)
	sweeper.Sweep()

	run, err := st.GetValidationRun("val-stale")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.ValidationFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Error("reaped run should say why it failed")
	}
}

func TestSweepLeavesFreshRunsAlone(t *testing.T) {
	st := testStore(t)
	createRun(t, st, "val-fresh", domain.ValidationRunning, "")

	sweeper := New(st, &fakeSandbox{}, "* * * * *", time.Hour)
	sweeper.Sweep()

	run, _ := st.GetValidationRun("val-fresh")
	if run.Status != domain.ValidationRunning {
		t.Errorf("status = %s, fresh run must keep running", run.Status)
	}
}

func TestSweepCleansSnapshots(t *testing.T) {
	st := testStore(t)
	createRun(t, st, "val-done", domain.ValidationCompleted, "snap-1")
	createRun(t, st, "val-live", domain.ValidationRunning, "snap-2")

	sandbox := &fakeSandbox{}
	sweeper := New(st, sandbox, "* * * * *", time.Hour)
	sweeper.Sweep()

	if len(sandbox.deleted) != 1 || sandbox.deleted[0] != "snap-1" {
		t.Errorf("deleted = %v, want only snap-1", sandbox.deleted)
	}

	done, _ := st.GetValidationRun("val-done")
	if done.SnapshotID != "" {
		t.Errorf("snapshot ref not cleared: %q", done.SnapshotID)
	}
	live, _ := st.GetValidationRun("val-live")
	if live.SnapshotID != "snap-2" {
		t.Errorf("running run lost its snapshot: %q", live.SnapshotID)
	}
}

func TestSweepKeepsRefWhenDeleteFails(t *testing.T) {
	st := testStore(t)
	createRun(t, st, "val-done", domain.ValidationCompleted, "snap-1")

	sandbox := &fakeSandbox{deleteErr: clients.Transient("delete", context.DeadlineExceeded)}
	sweeper := New(st, sandbox, "* * * * *", time.Hour)
	sweeper.Sweep()

	// the ref survives so the next sweep retries
	run, _ := st.GetValidationRun("val-done")
	if run.SnapshotID != "snap-1" {
		t.Errorf("snapshot ref = %q, want snap-1", run.SnapshotID)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	st := testStore(t)
	sweeper := New(st, &fakeSandbox{}, "not a cron spec", time.Hour)
	if err := sweeper.Start(); err == nil {
		t.Error("Start should reject an invalid cron spec")
	}
}
