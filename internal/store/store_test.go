package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
)

// a file-backed database: with :memory: every pooled connection would get
// its own empty database
func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProject(t *testing.T, s *Store) *domain.Project {
	t.Helper()
	p := &domain.Project{
		Entity:           domain.Entity{ID: "proj-1"},
		Name:             "Shop",
		RepoOwner:        "acme",
		RepoName:         "shop",
		RepoURL:          "https://github.com/acme/shop",
		DefaultBranch:    "main",
		AutoMergeEnabled: true,
		UITestingEnabled: true,
		DeployCommands:   []string{"make build", "make deploy"},
		HealthCheckURL:   "http://localhost:3000/health",
	}
	if err := s.CreateProject(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProjectRoundtrip(t *testing.T) {
	s := testStore(t)
	testProject(t, s)

	got, err := s.GetProject("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Shop" || got.RepoSlug() != "acme/shop" {
		t.Errorf("project = %+v", got)
	}
	if len(got.DeployCommands) != 2 || got.DeployCommands[0] != "make build" {
		t.Errorf("DeployCommands = %v", got.DeployCommands)
	}
	if !got.AutoMergeEnabled {
		t.Error("AutoMergeEnabled lost")
	}
}

func TestProjectUpsert(t *testing.T) {
	s := testStore(t)
	p := testProject(t, s)

	p.Name = "Shop v2"
	p.AutoMergeEnabled = false
	if err := s.CreateProject(p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProject("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Shop v2" || got.AutoMergeEnabled {
		t.Errorf("upsert did not apply: %+v", got)
	}

	all, err := s.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListProjects = %d entries, want 1", len(all))
	}
}

func TestAgentRunRoundtrip(t *testing.T) {
	s := testStore(t)
	testProject(t, s)

	run := &domain.AgentRun{
		Entity:         domain.Entity{ID: "run-1"},
		ProjectID:      "proj-1",
		ExternalTaskID: "task-99",
		Prompt:         "add feature",
		Status:         domain.AgentRunPending,
		Classification: domain.ClassRegular,
	}
	if err := s.CreateAgentRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgentRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExternalTaskID != "task-99" || got.Status != domain.AgentRunPending {
		t.Errorf("run = %+v", got)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be nil")
	}
}

func TestUpdateAgentRun(t *testing.T) {
	s := testStore(t)
	testProject(t, s)

	run := &domain.AgentRun{
		Entity:    domain.Entity{ID: "run-1"},
		ProjectID: "proj-1",
		Prompt:    "x",
		Status:    domain.AgentRunPending,
	}
	if err := s.CreateAgentRun(run); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	updated, err := s.UpdateAgentRun("run-1", func(r *domain.AgentRun) error {
		r.Status = domain.AgentRunRunning
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.AgentRunRunning {
		t.Errorf("status = %s", updated.Status)
	}

	got, _ := s.GetAgentRun("run-1")
	if got.Status != domain.AgentRunRunning || got.StartedAt == nil {
		t.Errorf("persisted run = %+v", got)
	}
}

func TestUpdateAgentRunConcurrent(t *testing.T) {
	s := testStore(t)
	testProject(t, s)

	run := &domain.AgentRun{
		Entity:    domain.Entity{ID: "run-1"},
		ProjectID: "proj-1",
		Prompt:    "x",
		Status:    domain.AgentRunRunning,
	}
	if err := s.CreateAgentRun(run); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.UpdateAgentRun("run-1", func(r *domain.AgentRun) error {
				r.Continuations++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetAgentRun("run-1")
	if got.Continuations != 20 {
		t.Errorf("Continuations = %d, want 20 (lost updates)", got.Continuations)
	}
}

func TestListActiveAgentRuns(t *testing.T) {
	s := testStore(t)
	testProject(t, s)

	statuses := []domain.AgentRunStatus{
		domain.AgentRunPending, domain.AgentRunRunning, domain.AgentRunWaitingForInput,
		domain.AgentRunCompleted, domain.AgentRunFailed, domain.AgentRunCancelled,
	}
	for i, st := range statuses {
		run := &domain.AgentRun{
			Entity:    domain.Entity{ID: fmt.Sprintf("run-%d", i)},
			ProjectID: "proj-1",
			Prompt:    "x",
			Status:    st,
		}
		if err := s.CreateAgentRun(run); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ListActiveAgentRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Errorf("active runs = %d, want 3", len(active))
	}
}

func createValidation(t *testing.T, s *Store, id string, prNumber int, sha string) *domain.ValidationRun {
	t.Helper()
	run := &domain.ValidationRun{
		Entity:    domain.Entity{ID: id},
		ProjectID: "proj-1",
		PRNumber:  prNumber,
		PRURL:     fmt.Sprintf("https://github.com/acme/shop/pull/%d", prNumber),
		CommitSHA: sha,
		Status:    domain.ValidationPending,
	}
	i := 0
	steps := domain.NewValidationSteps(id, func() string {
		i++
		return fmt.Sprintf("%s-step-%d", id, i)
	})
	if err := s.CreateValidationRun(run, steps); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestValidationRunRoundtrip(t *testing.T) {
	s := testStore(t)
	testProject(t, s)
	createValidation(t, s, "val-1", 42, "abc123")

	got, err := s.GetValidationRun("val-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PRNumber != 42 || got.CommitSHA != "abc123" {
		t.Errorf("run = %+v", got)
	}

	steps, err := s.GetValidationSteps("val-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != domain.NumSteps {
		t.Fatalf("steps = %d, want %d", len(steps), domain.NumSteps)
	}
	for i, step := range steps {
		if step.Index != i {
			t.Errorf("step %d out of order: index %d", i, step.Index)
		}
	}
	if steps[3].Type != domain.StepDeployment || steps[3].Weight != 2.0 {
		t.Errorf("step 3 = %+v", steps[3])
	}
}

func TestUpdateValidationStep(t *testing.T) {
	s := testStore(t)
	testProject(t, s)
	createValidation(t, s, "val-1", 1, "")

	steps, _ := s.GetValidationSteps("val-1")
	score := 87.5
	updated, err := s.UpdateValidationStep("val-1", steps[2].ID, func(st *domain.ValidationStep) error {
		st.Status = domain.StepCompleted
		st.Score = &score
		st.Logs = "3 warnings"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Score == nil || *updated.Score != 87.5 {
		t.Errorf("score = %v", updated.Score)
	}

	steps, _ = s.GetValidationSteps("val-1")
	if steps[2].Status != domain.StepCompleted || steps[2].Logs != "3 warnings" {
		t.Errorf("persisted step = %+v", steps[2])
	}
}

func TestFindValidationRunForPR(t *testing.T) {
	s := testStore(t)
	testProject(t, s)
	createValidation(t, s, "val-1", 42, "sha-old")
	createValidation(t, s, "val-2", 42, "sha-new")

	// exact commit match
	got, err := s.FindValidationRunForPR("proj-1", 42, "sha-new")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "val-2" {
		t.Errorf("got %+v, want val-2", got)
	}

	// unknown commit
	got, err = s.FindValidationRunForPR("proj-1", 42, "sha-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}

	// no PR at all
	got, err = s.FindValidationRunForPR("proj-1", 999, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestListStaleRunningValidationRuns(t *testing.T) {
	s := testStore(t)
	testProject(t, s)
	createValidation(t, s, "val-1", 1, "")

	if _, err := s.UpdateValidationRun("val-1", func(r *domain.ValidationRun) error {
		r.Status = domain.ValidationRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleRunningValidationRuns(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("fresh run reported stale")
	}

	stale, err = s.ListStaleRunningValidationRuns(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Errorf("stale runs = %d, want 1", len(stale))
	}
}

func TestListFinishedRunsWithSnapshots(t *testing.T) {
	s := testStore(t)
	testProject(t, s)
	createValidation(t, s, "val-1", 1, "")
	createValidation(t, s, "val-2", 2, "")

	s.UpdateValidationRun("val-1", func(r *domain.ValidationRun) error {
		r.Status = domain.ValidationCompleted
		r.SnapshotID = "snap-1"
		return nil
	})
	s.UpdateValidationRun("val-2", func(r *domain.ValidationRun) error {
		r.Status = domain.ValidationRunning
		r.SnapshotID = "snap-2"
		return nil
	})

	runs, err := s.ListFinishedRunsWithSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "val-1" {
		t.Errorf("runs = %+v", runs)
	}
}
