package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/scenarios"
)

// StepInput carries everything an executor may need. SnapshotID is empty
// until the snapshot step has run; Score and Eligible are only set for the
// auto-merge step.
type StepInput struct {
	Project    *domain.Project
	Run        *domain.ValidationRun
	Step       *domain.ValidationStep
	Steps      []*domain.ValidationStep // earlier steps, for skip decisions
	SnapshotID string
	Score      float64
	Eligible   bool
}

// StepOutcome is the result of one executor invocation. A returned error
// means infrastructure trouble (retryable when transient); a clean outcome
// with Passed=false means the step itself judged the change as failing.
type StepOutcome struct {
	Passed      bool
	Skipped     bool
	Score       *float64
	Logs        string
	ErrorMsg    string
	ExternalRef string
	SnapshotID  string // set by the snapshot step
	Merged      bool   // set by the auto-merge step
}

// StepExecutor runs one pipeline stage
type StepExecutor interface {
	Run(ctx context.Context, in StepInput) (StepOutcome, error)
}

func scoreOf(v float64) *float64 { return &v }

// snapshotExecutor provisions the sandbox snapshot every later step runs in
type snapshotExecutor struct {
	sandbox clients.SandboxClient
}

func (e *snapshotExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	id, err := e.sandbox.CreateSnapshot(ctx, clients.SnapshotConfig{ProjectID: in.Project.ID})
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{
		Passed:      true,
		Score:       scoreOf(100),
		SnapshotID:  id,
		ExternalRef: id,
		Logs:        "snapshot " + id + " created",
	}, nil
}

// cloneExecutor checks the PR branch out inside the snapshot
type cloneExecutor struct {
	sandbox clients.SandboxClient
}

func (e *cloneExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	branch := in.Run.Branch
	if branch == "" {
		branch = in.Project.DefaultBranch
	}
	if err := e.sandbox.Clone(ctx, in.SnapshotID, in.Project.RepoURL, branch); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{
		Passed: true,
		Score:  scoreOf(100),
		Logs:   fmt.Sprintf("cloned %s@%s", in.Project.RepoURL, branch),
	}, nil
}

// analysisExecutor runs static analysis and adopts the service's score
type analysisExecutor struct {
	analysis clients.StaticAnalysisClient
}

func (e *analysisExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	result, err := e.analysis.Analyze(ctx, in.SnapshotID, clients.AnalysisConfig{})
	if err != nil {
		return StepOutcome{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "analysis score %.1f, %d issue(s)\n", result.Score, len(result.Issues))
	for _, issue := range result.Issues {
		fmt.Fprintf(&b, "[%s] %s:%d %s\n", issue.Severity, issue.File, issue.Line, issue.Message)
	}

	return StepOutcome{
		Passed: true,
		Score:  scoreOf(result.Score),
		Logs:   b.String(),
	}, nil
}

// deployExecutor runs the project's deploy commands inside the snapshot
type deployExecutor struct {
	sandbox clients.SandboxClient
	timeout time.Duration
}

func (e *deployExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	if len(in.Project.DeployCommands) == 0 {
		return StepOutcome{Skipped: true, Logs: "no deploy commands configured"}, nil
	}

	result, err := e.sandbox.Execute(ctx, in.SnapshotID, in.Project.DeployCommands, e.timeout)
	if err != nil {
		return StepOutcome{}, err
	}

	logs := result.Stdout
	if result.Stderr != "" {
		logs += "\n" + result.Stderr
	}
	if result.ExitCode != 0 {
		return StepOutcome{
			Passed:   false,
			Logs:     logs,
			ErrorMsg: fmt.Sprintf("deploy exited with code %d", result.ExitCode),
		}, nil
	}
	return StepOutcome{Passed: true, Score: scoreOf(100), Logs: logs}, nil
}

// deployValidationExecutor probes the health endpoint of the fresh deployment.
// The service may need a moment to come up, so the probe is repeated within
// the step's own time budget.
type deployValidationExecutor struct {
	client   *http.Client
	attempts int
	interval time.Duration
}

func newDeployValidationExecutor() *deployValidationExecutor {
	return &deployValidationExecutor{
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 6,
		interval: 5 * time.Second,
	}
}

func (e *deployValidationExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	if deploySkipped(in.Steps) {
		return StepOutcome{Skipped: true, Logs: "deployment was skipped"}, nil
	}
	if in.Project.HealthCheckURL == "" {
		return StepOutcome{Skipped: true, Logs: "no health check URL configured"}, nil
	}

	var lastErr string
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if ctx.Err() != nil {
			return StepOutcome{}, clients.Transient("health check", ctx.Err())
		}

		status, err := e.probe(ctx, in.Project.HealthCheckURL)
		if err == nil && status >= 200 && status < 300 {
			return StepOutcome{
				Passed: true,
				Score:  scoreOf(100),
				Logs:   fmt.Sprintf("health check returned %d after %d attempt(s)", status, attempt),
			}, nil
		}
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("status %d", status)
		}

		if attempt < e.attempts {
			select {
			case <-ctx.Done():
				return StepOutcome{}, clients.Transient("health check", ctx.Err())
			case <-time.After(e.interval):
			}
		}
	}

	return StepOutcome{
		Passed:   false,
		Logs:     "health check never became healthy: " + lastErr,
		ErrorMsg: "deployment unhealthy: " + lastErr,
	}, nil
}

func (e *deployValidationExecutor) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func deploySkipped(steps []*domain.ValidationStep) bool {
	for _, s := range steps {
		if s.Type == domain.StepDeployment {
			return s.Status == domain.StepSkipped
		}
	}
	return false
}

// uiTestingExecutor evaluates the project's UI scenarios against the
// deployed application
type uiTestingExecutor struct {
	uieval  clients.UiEvaluationClient
	loader  *scenarios.Loader
	timeout time.Duration
}

func (e *uiTestingExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	if !in.Project.UITestingEnabled {
		return StepOutcome{Skipped: true, Logs: "UI testing disabled for project"}, nil
	}
	if deploySkipped(in.Steps) {
		return StepOutcome{Skipped: true, Logs: "deployment was skipped"}, nil
	}

	scs, err := e.loader.ForProject(in.Project.ID)
	if err != nil {
		return StepOutcome{}, clients.Fatal("loading scenarios", err)
	}
	if len(scs) == 0 {
		return StepOutcome{Skipped: true, Logs: "no scenarios defined"}, nil
	}

	result, err := e.uieval.RunScenarios(ctx, in.Project.BaseURL, scs, e.timeout)
	if err != nil {
		return StepOutcome{}, err
	}

	passed := 0
	var b strings.Builder
	for _, r := range result.Results {
		mark := "FAIL"
		if r.Passed {
			passed++
			mark = "PASS"
		}
		fmt.Fprintf(&b, "%s %s", mark, r.Name)
		if r.Details != "" {
			fmt.Fprintf(&b, ": %s", r.Details)
		}
		b.WriteString("\n")
	}

	score := 0.0
	if len(result.Results) > 0 {
		score = float64(passed) / float64(len(result.Results)) * 100
	}

	out := StepOutcome{Score: scoreOf(score), Logs: b.String()}
	if result.OverallPass {
		out.Passed = true
	} else {
		out.ErrorMsg = fmt.Sprintf("%d of %d scenario(s) failed", len(result.Results)-passed, len(result.Results))
	}
	return out, nil
}

// autoMergeExecutor merges the PR when the run qualified. The qualification
// itself is computed by the orchestrator and handed in via StepInput; this
// executor only acts on it, so a disabled or ineligible run still completes
// the step.
type autoMergeExecutor struct {
	source clients.SourceControlClient
}

func (e *autoMergeExecutor) Run(ctx context.Context, in StepInput) (StepOutcome, error) {
	if !in.Project.AutoMergeEnabled {
		return StepOutcome{Skipped: true, Logs: "auto-merge disabled for project"}, nil
	}
	if !in.Eligible {
		return StepOutcome{
			Passed: true,
			Logs:   fmt.Sprintf("not eligible for auto-merge (score %.1f)", in.Score),
		}, nil
	}

	pr, err := e.source.GetPullRequest(ctx, in.Project.RepoOwner, in.Project.RepoName, in.Run.PRNumber)
	if err != nil {
		return StepOutcome{}, err
	}
	if !pr.Mergeable {
		return StepOutcome{
			Passed:   false,
			ErrorMsg: "PR is not mergeable",
			Logs:     fmt.Sprintf("PR #%d state %s, mergeable=false", pr.Number, pr.State),
		}, nil
	}

	result, err := e.source.Merge(ctx, in.Project.RepoOwner, in.Project.RepoName, in.Run.PRNumber, "")
	if err != nil {
		return StepOutcome{}, err
	}
	if !result.Merged {
		return StepOutcome{Passed: false, ErrorMsg: "merge rejected", Logs: result.Message}, nil
	}

	comment := fmt.Sprintf("Validation passed with score %.1f, merged automatically.", in.Score)
	if err := e.source.CreateComment(ctx, in.Project.RepoOwner, in.Project.RepoName, in.Run.PRNumber, comment); err != nil {
		// the merge already happened, a lost comment is not worth failing over
		return StepOutcome{Passed: true, Merged: true, Logs: result.Message + "\ncomment failed: " + err.Error()}, nil
	}
	return StepOutcome{Passed: true, Merged: true, Logs: result.Message}, nil
}
