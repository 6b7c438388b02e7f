package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/scenarios"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
)

type fakeSandbox struct {
	mu          sync.Mutex
	execResults []clients.ExecResult // queue; last entry repeats
	execPos     int
	execCalls   int
	cloneErr    error
	gate        chan struct{} // when set, CreateSnapshot blocks until closed
	deleted     []string
}

func (f *fakeSandbox) CreateSnapshot(ctx context.Context, cfg clients.SnapshotConfig) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", clients.Transient("snapshot", ctx.Err())
		}
	}
	return "snap-1", nil
}

func (f *fakeSandbox) Clone(ctx context.Context, snapshotID, repoURL, branch string) error {
	return f.cloneErr
}

func (f *fakeSandbox) Execute(ctx context.Context, snapshotID string, commands []string, timeout time.Duration) (clients.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if len(f.execResults) == 0 {
		return clients.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
	}
	result := f.execResults[f.execPos]
	if f.execPos < len(f.execResults)-1 {
		f.execPos++
	}
	return result, nil
}

func (f *fakeSandbox) Delete(ctx context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, snapshotID)
	return nil
}

type fakeAnalysis struct {
	score float64
}

func (f *fakeAnalysis) Analyze(ctx context.Context, snapshotID string, cfg clients.AnalysisConfig) (clients.AnalysisResult, error) {
	return clients.AnalysisResult{Score: f.score}, nil
}

type fakeUIEval struct {
	pass bool
}

func (f *fakeUIEval) RunScenarios(ctx context.Context, baseURL string, scs []clients.UIScenario, timeout time.Duration) (clients.UIEvalResult, error) {
	results := make([]clients.UIScenarioResult, len(scs))
	for i, sc := range scs {
		results[i] = clients.UIScenarioResult{Name: sc.Name, Passed: f.pass}
	}
	return clients.UIEvalResult{Results: results, OverallPass: f.pass}, nil
}

type fakeSource struct {
	mu        sync.Mutex
	mergeable bool
	merges    int
	comments  int
}

func (f *fakeSource) GetPullRequest(ctx context.Context, owner, repo string, number int) (clients.PRInfo, error) {
	return clients.PRInfo{
		Number:    number,
		State:     "OPEN",
		Branch:    "feature-branch",
		CommitSHA: "sha-1",
		Mergeable: f.mergeable,
	}, nil
}

func (f *fakeSource) Merge(ctx context.Context, owner, repo string, number int, method string) (clients.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges++
	return clients.MergeResult{Merged: true, Message: "merged"}, nil
}

func (f *fakeSource) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments++
	return nil
}

func (f *fakeSource) mergeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merges
}

type fakeContinuer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeContinuer) Continue(ctx context.Context, runID, message string, action clients.ContinueAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeContinuer) AwaitRun(ctx context.Context, runID string, timeout time.Duration) (domain.AgentRunStatus, error) {
	return domain.AgentRunCompleted, nil
}

func (f *fakeContinuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type env struct {
	store   *store.Store
	sandbox *fakeSandbox
	source  *fakeSource
	orch    *Orchestrator
}

func testEnv(t *testing.T, project *domain.Project, sandbox *fakeSandbox, analysis *fakeAnalysis,
	source *fakeSource, scenarioDir string, cfg Config) *env {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.CreateProject(project); err != nil {
		t.Fatal(err)
	}

	if cfg.FixWait == 0 {
		cfg.FixWait = 10 * time.Millisecond
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = 5 * time.Second
	}
	if cfg.TransientRetries == 0 {
		cfg.TransientRetries = 1
	}

	o := New(st, sandbox, analysis, &fakeUIEval{pass: true}, source, scenarios.NewLoader(scenarioDir), cfg)
	t.Cleanup(o.Shutdown)

	return &env{store: st, sandbox: sandbox, source: source, orch: o}
}

// createAgentRun persists the agent run a validation references; the schema
// enforces the foreign key
func createAgentRun(t *testing.T, st *store.Store, id string) {
	t.Helper()
	run := &domain.AgentRun{
		Entity:         domain.Entity{ID: id},
		ProjectID:      "proj-1",
		ExternalTaskID: "task-1",
		Prompt:         "ship it",
		Status:         domain.AgentRunCompleted,
		Classification: domain.ClassPRCreation,
	}
	if err := st.CreateAgentRun(run); err != nil {
		t.Fatal(err)
	}
}

func baseProject() *domain.Project {
	return &domain.Project{
		Entity:        domain.Entity{ID: "proj-1"},
		Name:          "Shop",
		RepoOwner:     "acme",
		RepoName:      "shop",
		RepoURL:       "https://github.com/acme/shop",
		DefaultBranch: "main",
	}
}

func writeScenario(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `scenarios:
  - name: checkout
    steps:
      - open the cart
      - pay
`
	if err := os.WriteFile(filepath.Join(dir, "checkout.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func waitTerminal(t *testing.T, st *store.Store, runID string) *domain.ValidationRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetValidationRun(runID)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := st.GetValidationRun(runID)
	t.Fatalf("run never finished, still %s at step %d", run.Status, run.CurrentStep)
	return nil
}

func TestFullPipelineWithAutoMerge(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	project := baseProject()
	project.AutoMergeEnabled = true
	project.UITestingEnabled = true
	project.DeployCommands = []string{"make deploy"}
	project.HealthCheckURL = health.URL
	project.BaseURL = health.URL

	e := testEnv(t, project, &fakeSandbox{}, &fakeAnalysis{score: 90}, &fakeSource{mergeable: true},
		writeScenario(t), Config{ScoreThreshold: 80})

	run, err := e.orch.Start(context.Background(), "proj-1", 42, "https://github.com/acme/shop/pull/42", "")
	if err != nil {
		t.Fatal(err)
	}
	if run.Branch != "feature-branch" || run.CommitSHA != "sha-1" {
		t.Errorf("PR details not adopted: %+v", run)
	}

	final := waitTerminal(t, e.store, run.ID)
	if final.Status != domain.ValidationCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
	}

	// snapshot 100, clone 100, analysis 90, deploy 100*2, health 100*1.5, ui 100
	want := (100.0 + 100 + 90 + 200 + 150 + 100) / 7.5
	if final.OverallScore < want-0.01 || final.OverallScore > want+0.01 {
		t.Errorf("OverallScore = %v, want %v", final.OverallScore, want)
	}
	if !final.AutoMergeEligible || !final.AutoMergeExecuted {
		t.Errorf("eligible=%v executed=%v, want both true", final.AutoMergeEligible, final.AutoMergeExecuted)
	}
	if e.source.mergeCount() != 1 {
		t.Errorf("merges = %d, want 1", e.source.mergeCount())
	}
	if final.SnapshotID != "snap-1" {
		t.Errorf("SnapshotID = %q", final.SnapshotID)
	}

	steps, _ := e.store.GetValidationSteps(run.ID)
	for _, s := range steps {
		if s.Status != domain.StepCompleted {
			t.Errorf("step %s = %s, want completed", s.Type, s.Status)
		}
	}
}

func TestCriticalFailureAbortsRun(t *testing.T) {
	project := baseProject()
	project.DeployCommands = []string{"make deploy"}

	sandbox := &fakeSandbox{execResults: []clients.ExecResult{
		{ExitCode: 1, Stderr: "compilation failed"},
	}}
	e := testEnv(t, project, sandbox, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(), Config{})

	// no agent run attached, so the deployment failure cannot be fixed forward
	run, err := e.orch.Start(context.Background(), "proj-1", 1, "https://github.com/acme/shop/pull/1", "")
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, e.store, run.ID)
	if final.Status != domain.ValidationFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.AutoMergeEligible {
		t.Error("failed run must not be merge eligible")
	}

	// completed steps keep their scores: snapshot 100, clone 100, analysis 90
	want := (100.0 + 100 + 90) / 3
	if final.OverallScore < want-0.01 || final.OverallScore > want+0.01 {
		t.Errorf("OverallScore = %v, want %v", final.OverallScore, want)
	}

	steps, _ := e.store.GetValidationSteps(run.ID)
	if steps[3].Status != domain.StepFailed {
		t.Errorf("deployment step = %s", steps[3].Status)
	}
	// steps after the failure were never reached
	for _, s := range steps[4:] {
		if s.Status != domain.StepPending {
			t.Errorf("step %s = %s, want pending", s.Type, s.Status)
		}
	}
}

func TestFixForwardRecoversDeployment(t *testing.T) {
	project := baseProject()
	project.DeployCommands = []string{"make deploy"}

	// two broken deploys, then a working one
	sandbox := &fakeSandbox{execResults: []clients.ExecResult{
		{ExitCode: 1, Stderr: "missing dependency"},
		{ExitCode: 1, Stderr: "still missing"},
		{ExitCode: 0, Stdout: "deployed"},
	}}
	e := testEnv(t, project, sandbox, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(),
		Config{MaxFixRetries: 3})
	createAgentRun(t, e.store, "agent-run-1")

	continuer := &fakeContinuer{}
	e.orch.SetAgentContinuer(continuer)

	run, err := e.orch.Start(context.Background(), "proj-1", 2, "https://github.com/acme/shop/pull/2", "agent-run-1")
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, e.store, run.ID)
	if final.Status != domain.ValidationCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
	}
	if continuer.count() != 2 {
		t.Errorf("agent hand-backs = %d, want 2", continuer.count())
	}

	steps, _ := e.store.GetValidationSteps(run.ID)
	if steps[3].Status != domain.StepCompleted || steps[3].RetryCount != 2 {
		t.Errorf("deployment step = %s retries=%d", steps[3].Status, steps[3].RetryCount)
	}
}

func TestFixForwardRespectsRetryCap(t *testing.T) {
	project := baseProject()
	project.DeployCommands = []string{"make deploy"}

	sandbox := &fakeSandbox{execResults: []clients.ExecResult{
		{ExitCode: 1, Stderr: "hopeless"},
	}}
	e := testEnv(t, project, sandbox, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(),
		Config{MaxFixRetries: 2})
	createAgentRun(t, e.store, "agent-run-1")

	continuer := &fakeContinuer{}
	e.orch.SetAgentContinuer(continuer)

	run, err := e.orch.Start(context.Background(), "proj-1", 3, "https://github.com/acme/shop/pull/3", "agent-run-1")
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, e.store, run.ID)
	if final.Status != domain.ValidationFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if continuer.count() != 2 {
		t.Errorf("agent hand-backs = %d, want exactly the retry cap", continuer.count())
	}

	steps, _ := e.store.GetValidationSteps(run.ID)
	if steps[3].RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", steps[3].RetryCount)
	}
}

func TestLowScoreBlocksAutoMerge(t *testing.T) {
	project := baseProject()
	project.AutoMergeEnabled = true
	// no deploy commands: deployment, health check and UI testing all skip

	e := testEnv(t, project, &fakeSandbox{}, &fakeAnalysis{score: 10}, &fakeSource{mergeable: true},
		t.TempDir(), Config{ScoreThreshold: 80})

	run, err := e.orch.Start(context.Background(), "proj-1", 4, "https://github.com/acme/shop/pull/4", "")
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, e.store, run.ID)
	if final.Status != domain.ValidationCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
	}

	// (100 + 100 + 10) / 3 = 70, below the threshold
	if final.AutoMergeEligible || final.AutoMergeExecuted {
		t.Errorf("eligible=%v executed=%v, want both false", final.AutoMergeEligible, final.AutoMergeExecuted)
	}
	if e.source.mergeCount() != 0 {
		t.Errorf("merges = %d, want 0", e.source.mergeCount())
	}

	steps, _ := e.store.GetValidationSteps(run.ID)
	skipped := map[domain.StepType]bool{
		domain.StepDeployment:           true,
		domain.StepDeploymentValidation: true,
		domain.StepUITesting:            true,
	}
	for _, s := range steps {
		if skipped[s.Type] && s.Status != domain.StepSkipped {
			t.Errorf("step %s = %s, want skipped", s.Type, s.Status)
		}
	}
	// the auto-merge step itself completes even when nothing merges
	if steps[6].Status != domain.StepCompleted {
		t.Errorf("auto-merge step = %s, want completed", steps[6].Status)
	}
}

func TestConcurrencyLimitQueuesRuns(t *testing.T) {
	project := baseProject()

	gate := make(chan struct{})
	sandbox := &fakeSandbox{gate: gate}
	e := testEnv(t, project, sandbox, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(),
		Config{MaxConcurrent: 1})

	first, err := e.orch.Start(context.Background(), "proj-1", 10, "https://github.com/acme/shop/pull/10", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.orch.Start(context.Background(), "proj-1", 11, "https://github.com/acme/shop/pull/11", "")
	if err != nil {
		t.Fatal(err)
	}

	// give the first run time to claim the slot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, _ := e.store.GetValidationRun(first.ID)
		if run.Status == domain.ValidationRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	queued, _ := e.store.GetValidationRun(second.ID)
	if queued.Status != domain.ValidationPending {
		t.Errorf("second run = %s, want pending while the slot is taken", queued.Status)
	}

	close(gate)
	waitTerminal(t, e.store, first.ID)
	waitTerminal(t, e.store, second.ID)
}

func TestWebhookDeduplicatesByCommit(t *testing.T) {
	project := baseProject()
	e := testEnv(t, project, &fakeSandbox{}, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(), Config{})

	first, err := e.orch.OnPullRequestOpened(context.Background(), "proj-1", 20,
		"https://github.com/acme/shop/pull/20", "feature", "sha-x")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.orch.OnPullRequestOpened(context.Background(), "proj-1", 20,
		"https://github.com/acme/shop/pull/20", "feature", "sha-x")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate webhook created a second run: %s vs %s", first.ID, second.ID)
	}

	waitTerminal(t, e.store, first.ID)

	// a new commit on the same PR validates again
	third, err := e.orch.OnPullRequestOpened(context.Background(), "proj-1", 20,
		"https://github.com/acme/shop/pull/20", "feature", "sha-y")
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("new commit should start a fresh run")
	}
	waitTerminal(t, e.store, third.ID)
}

func TestStartDeduplicatesByCommit(t *testing.T) {
	project := baseProject()
	e := testEnv(t, project, &fakeSandbox{}, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(), Config{})

	// e.g. a restarted monitor re-detecting the PR it already handed off
	first, err := e.orch.Start(context.Background(), "proj-1", 21, "https://github.com/acme/shop/pull/21", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.orch.Start(context.Background(), "proj-1", 21, "https://github.com/acme/shop/pull/21", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("second Start for commit %s created run %s alongside %s", first.CommitSHA, second.ID, first.ID)
	}
	waitTerminal(t, e.store, first.ID)
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	project := baseProject()
	e := testEnv(t, project, &fakeSandbox{}, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(), Config{})

	run, err := e.orch.Start(context.Background(), "proj-1", 30, "https://github.com/acme/shop/pull/30", "")
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, e.store, run.ID)

	if err := e.orch.Cancel(run.ID); err != nil {
		t.Fatal(err)
	}
	after, _ := e.store.GetValidationRun(run.ID)
	if after.Status != final.Status {
		t.Errorf("cancel changed a terminal run: %s -> %s", final.Status, after.Status)
	}
}

func TestRetryCreatesSupersedingRun(t *testing.T) {
	project := baseProject()

	sandbox := &fakeSandbox{cloneErr: clients.Fatal("clone", errors.New("branch gone"))}
	e := testEnv(t, project, sandbox, &fakeAnalysis{score: 90}, &fakeSource{}, t.TempDir(), Config{})

	run, err := e.orch.Start(context.Background(), "proj-1", 40, "https://github.com/acme/shop/pull/40", "")
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, e.store, run.ID)
	if final.Status != domain.ValidationFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	// retrying before the run finished is rejected; here it is terminal
	sandbox.cloneErr = nil
	retry, err := e.orch.Retry(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retry.ID == run.ID {
		t.Error("retry must create a new run")
	}
	if retry.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", retry.RetryCount)
	}

	redone := waitTerminal(t, e.store, retry.ID)
	if redone.Status != domain.ValidationCompleted {
		t.Errorf("retried run = %s (%s)", redone.Status, redone.ErrorMessage)
	}
}

func TestDeployValidationProbeRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := &deployValidationExecutor{
		client:   server.Client(),
		attempts: 5,
		interval: time.Millisecond,
	}

	project := baseProject()
	project.HealthCheckURL = server.URL
	deployed := &domain.ValidationStep{Type: domain.StepDeployment, Status: domain.StepCompleted}

	out, err := exec.Run(context.Background(), StepInput{
		Project: project,
		Steps:   []*domain.ValidationStep{deployed},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Passed {
		t.Errorf("outcome = %+v, want passed after the service came up", out)
	}
}

func TestDeployValidationGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	exec := &deployValidationExecutor{
		client:   server.Client(),
		attempts: 2,
		interval: time.Millisecond,
	}

	project := baseProject()
	project.HealthCheckURL = server.URL
	deployed := &domain.ValidationStep{Type: domain.StepDeployment, Status: domain.StepCompleted}

	out, err := exec.Run(context.Background(), StepInput{
		Project: project,
		Steps:   []*domain.ValidationStep{deployed},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Passed || out.ErrorMsg == "" {
		t.Errorf("outcome = %+v, want failure with error message", out)
	}
}
