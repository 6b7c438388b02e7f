package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TaskRef identifies a task on the agent service
type TaskRef struct {
	ID string
}

// TaskState is the coarse execution state reported by the agent service
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is one poll result for an agent task
type TaskStatus struct {
	State        TaskState
	ResponseText string
	Metadata     map[string]string
}

// ContinueAction selects how a task continuation is interpreted upstream
type ContinueAction string

const (
	ActionContinue    ContinueAction = "continue"
	ActionConfirmPlan ContinueAction = "confirm_plan"
	ActionModifyPlan  ContinueAction = "modify_plan"
)

// AgentTaskClient is the capability interface for the coding-agent task API
type AgentTaskClient interface {
	Create(ctx context.Context, prompt string, metadata map[string]string) (TaskRef, error)
	GetStatus(ctx context.Context, ref TaskRef) (TaskStatus, error)
	Continue(ctx context.Context, ref TaskRef, message string, action ContinueAction) (TaskStatus, error)
	Cancel(ctx context.Context, ref TaskRef) (bool, error)
}

// HTTPAgentTaskClient talks to the agent task API over HTTP
type HTTPAgentTaskClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPAgentTaskClient creates a client for the given base URL
func NewHTTPAgentTaskClient(baseURL, token string, timeout time.Duration) *HTTPAgentTaskClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAgentTaskClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type taskPayload struct {
	ID           string            `json:"id"`
	State        string            `json:"state"`
	ResponseText string            `json:"response_text"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Create starts a new agent task
func (c *HTTPAgentTaskClient) Create(ctx context.Context, prompt string, metadata map[string]string) (TaskRef, error) {
	body := map[string]interface{}{"prompt": prompt, "metadata": metadata}
	var resp taskPayload
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", body, &resp); err != nil {
		return TaskRef{}, err
	}
	if resp.ID == "" {
		return TaskRef{}, Fatal("agent create", fmt.Errorf("service returned no task id"))
	}
	return TaskRef{ID: resp.ID}, nil
}

// GetStatus polls the current task state and response text
func (c *HTTPAgentTaskClient) GetStatus(ctx context.Context, ref TaskRef) (TaskStatus, error) {
	var resp taskPayload
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+ref.ID, nil, &resp); err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{
		State:        TaskState(resp.State),
		ResponseText: resp.ResponseText,
		Metadata:     resp.Metadata,
	}, nil
}

// Continue feeds a message back into a task
func (c *HTTPAgentTaskClient) Continue(ctx context.Context, ref TaskRef, message string, action ContinueAction) (TaskStatus, error) {
	body := map[string]interface{}{"message": message, "action": string(action)}
	var resp taskPayload
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+ref.ID+"/continue", body, &resp); err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{
		State:        TaskState(resp.State),
		ResponseText: resp.ResponseText,
		Metadata:     resp.Metadata,
	}, nil
}

// Cancel asks the service to stop a task. Returns whether the upstream
// task was actually cancelled.
func (c *HTTPAgentTaskClient) Cancel(ctx context.Context, ref TaskRef) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+ref.ID+"/cancel", nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *HTTPAgentTaskClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := "agent " + method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Fatal(op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Fatal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Fatal(op, fmt.Errorf("status %d: %s", resp.StatusCode, data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Transient(op, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}
