package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
)

// RunResponse is the API response for an agent run
type RunResponse struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Prompt         string  `json:"prompt"`
	Status         string  `json:"status"`
	Classification string  `json:"classification"`
	Result         string  `json:"result,omitempty"`
	PRURL          string  `json:"pr_url,omitempty"`
	PRNumber       int     `json:"pr_number,omitempty"`
	Continuations  int     `json:"continuations"`
	Error          string  `json:"error,omitempty"`
	StartedAt      *string `json:"started_at,omitempty"`
	FinishedAt     *string `json:"finished_at,omitempty"`
	Duration       string  `json:"duration,omitempty"`
}

// ValidationResponse is the API response for a validation run
type ValidationResponse struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	AgentRunID        string         `json:"agent_run_id,omitempty"`
	PRNumber          int            `json:"pr_number"`
	PRURL             string         `json:"pr_url"`
	Branch            string         `json:"branch,omitempty"`
	CommitSHA         string         `json:"commit_sha,omitempty"`
	Status            string         `json:"status"`
	CurrentStep       int            `json:"current_step"`
	OverallScore      float64        `json:"overall_score"`
	AutoMergeEligible bool           `json:"auto_merge_eligible"`
	AutoMergeExecuted bool           `json:"auto_merge_executed"`
	RetryCount        int            `json:"retry_count"`
	Error             string         `json:"error,omitempty"`
	Steps             []StepResponse `json:"steps,omitempty"`
}

// StepResponse is the API response for one validation step
type StepResponse struct {
	Index      int      `json:"index"`
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Score      *float64 `json:"score,omitempty"`
	Weight     float64  `json:"weight"`
	Critical   bool     `json:"critical"`
	RetryCount int      `json:"retry_count"`
	Logs       string   `json:"logs,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// StatusResponse is the API response for overall orchestrator status
type StatusResponse struct {
	ActiveRuns        int `json:"active_runs"`
	ActiveValidations int `json:"active_validations"`
	Projects          int `json:"projects"`
}

// ProjectRequest is the API payload for creating or updating a project
type ProjectRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	RepoOwner        string   `json:"repo_owner"`
	RepoName         string   `json:"repo_name"`
	RepoURL          string   `json:"repo_url"`
	DefaultBranch    string   `json:"default_branch,omitempty"`
	AutoMergeEnabled bool     `json:"auto_merge_enabled"`
	AutoConfirmPlans bool     `json:"auto_confirm_plans"`
	UITestingEnabled bool     `json:"ui_testing_enabled"`
	DeployCommands   []string `json:"deploy_commands,omitempty"`
	HealthCheckURL   string   `json:"health_check_url,omitempty"`
	BaseURL          string   `json:"base_url,omitempty"`
}

func runToResponse(r *domain.AgentRun) RunResponse {
	resp := RunResponse{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Prompt:         r.Prompt,
		Status:         string(r.Status),
		Classification: string(r.Classification),
		Result:         r.Result,
		PRURL:          r.PRURL,
		PRNumber:       r.PRNumber,
		Continuations:  r.Continuations,
		Error:          r.ErrorMessage,
	}
	if r.StartedAt != nil {
		t := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	resp.Duration = r.Duration().Round(time.Second).String()
	return resp
}

func validationToResponse(r *domain.ValidationRun, steps []*domain.ValidationStep) ValidationResponse {
	resp := ValidationResponse{
		ID:                r.ID,
		ProjectID:         r.ProjectID,
		AgentRunID:        r.AgentRunID,
		PRNumber:          r.PRNumber,
		PRURL:             r.PRURL,
		Branch:            r.Branch,
		CommitSHA:         r.CommitSHA,
		Status:            string(r.Status),
		CurrentStep:       r.CurrentStep,
		OverallScore:      r.OverallScore,
		AutoMergeEligible: r.AutoMergeEligible,
		AutoMergeExecuted: r.AutoMergeExecuted,
		RetryCount:        r.RetryCount,
		Error:             r.ErrorMessage,
	}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, StepResponse{
			Index:      s.Index,
			Type:       string(s.Type),
			Status:     string(s.Status),
			Score:      s.Score,
			Weight:     s.Weight,
			Critical:   s.Critical,
			RetryCount: s.RetryCount,
			Logs:       s.Logs,
			Error:      s.ErrorMessage,
		})
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		active, err := s.store.ListActiveAgentRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		projects, err := s.store.ListProjects()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, StatusResponse{
			ActiveRuns:        len(active),
			ActiveValidations: s.pipeline.ActiveSlots(),
			Projects:          len(projects),
		})
	}
}

func (s *Server) projectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			projects, err := s.store.ListProjects()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, projects)

		case http.MethodPost:
			var req ProjectRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
			if req.Name == "" || req.RepoOwner == "" || req.RepoName == "" {
				writeError(w, http.StatusBadRequest, "name, repo_owner and repo_name are required")
				return
			}
			if req.ID == "" {
				req.ID = uuid.NewString()
			}
			if req.DefaultBranch == "" {
				req.DefaultBranch = "main"
			}

			project := &domain.Project{
				Entity:           domain.Entity{ID: req.ID},
				Name:             req.Name,
				RepoOwner:        req.RepoOwner,
				RepoName:         req.RepoName,
				RepoURL:          req.RepoURL,
				DefaultBranch:    req.DefaultBranch,
				AutoMergeEnabled: req.AutoMergeEnabled,
				AutoConfirmPlans: req.AutoConfirmPlans,
				UITestingEnabled: req.UITestingEnabled,
				DeployCommands:   req.DeployCommands,
				HealthCheckURL:   req.HealthCheckURL,
				BaseURL:          req.BaseURL,
			}
			if err := s.store.CreateProject(project); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, project)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	type createRequest struct {
		ProjectID         string `json:"project_id"`
		Prompt            string `json:"prompt"`
		PlanningStatement string `json:"planning_statement,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs, err := s.store.ListRecentAgentRuns(50)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			responses := make([]RunResponse, len(runs))
			for i, run := range runs {
				responses[i] = runToResponse(run)
			}
			writeJSON(w, responses)

		case http.MethodPost:
			var req createRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
			if req.ProjectID == "" || req.Prompt == "" {
				writeError(w, http.StatusBadRequest, "project_id and prompt are required")
				return
			}

			run, err := s.agents.CreateRun(r.Context(), req.ProjectID, req.Prompt, req.PlanningStatement)
			if err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			writeJSON(w, runToResponse(run))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) runActionHandler() http.HandlerFunc {
	type continueRequest struct {
		Message string `json:"message,omitempty"`
		Action  string `json:"action,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		id, action := path, ""
		if idx := strings.LastIndex(path, "/"); idx > 0 {
			id, action = path[:idx], path[idx+1:]
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			run, err := s.store.GetAgentRun(id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "run not found")
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, runToResponse(run))

		case "continue":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var req continueRequest
			if r.Body != nil {
				json.NewDecoder(r.Body).Decode(&req)
			}
			act := clients.ContinueAction(req.Action)
			if act == "" {
				act = clients.ActionContinue
			}
			if err := s.agents.Continue(r.Context(), id, req.Message, act); err != nil {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "continued"})

		case "cancel":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := s.agents.Cancel(r.Context(), id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "run not found")
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "cancelled"})

		default:
			writeError(w, http.StatusNotFound, "unknown action "+action)
		}
	}
}

func (s *Server) validationsHandler() http.HandlerFunc {
	type startRequest struct {
		ProjectID  string `json:"project_id"`
		PRNumber   int    `json:"pr_number"`
		PRURL      string `json:"pr_url,omitempty"`
		AgentRunID string `json:"agent_run_id,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs, err := s.store.ListRecentValidationRuns(50)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			responses := make([]ValidationResponse, len(runs))
			for i, run := range runs {
				responses[i] = validationToResponse(run, nil)
			}
			writeJSON(w, responses)

		case http.MethodPost:
			var req startRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
			if req.ProjectID == "" || req.PRNumber == 0 {
				writeError(w, http.StatusBadRequest, "project_id and pr_number are required")
				return
			}

			run, err := s.pipeline.Start(r.Context(), req.ProjectID, req.PRNumber, req.PRURL, req.AgentRunID)
			if err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			writeJSON(w, validationToResponse(run, nil))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) validationActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/validations/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "validation run ID required")
			return
		}

		id, action := path, ""
		if idx := strings.LastIndex(path, "/"); idx > 0 {
			id, action = path[:idx], path[idx+1:]
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			run, err := s.store.GetValidationRun(id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "validation run not found")
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			steps, err := s.store.GetValidationSteps(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, validationToResponse(run, steps))

		case "retry":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			run, err := s.pipeline.Retry(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeJSON(w, validationToResponse(run, nil))

		case "cancel":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := s.pipeline.Cancel(id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "validation run not found")
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "cancelling"})

		default:
			writeError(w, http.StatusNotFound, "unknown action "+action)
		}
	}
}

// pullRequestWebhookHandler accepts a minimal PR-opened payload from source
// control. Repeated deliveries for the same commit reuse the existing run.
func (s *Server) pullRequestWebhookHandler() http.HandlerFunc {
	type webhookRequest struct {
		ProjectID string `json:"project_id"`
		PRNumber  int    `json:"pr_number"`
		PRURL     string `json:"pr_url"`
		Branch    string `json:"branch,omitempty"`
		CommitSHA string `json:"commit_sha,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.ProjectID == "" || req.PRNumber == 0 {
			writeError(w, http.StatusBadRequest, "project_id and pr_number are required")
			return
		}

		run, err := s.pipeline.OnPullRequestOpened(r.Context(), req.ProjectID, req.PRNumber, req.PRURL, req.Branch, req.CommitSHA)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, validationToResponse(run, nil))
	}
}
