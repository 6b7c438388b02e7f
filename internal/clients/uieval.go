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

// UIScenario is one scripted user flow to evaluate against a deployment
type UIScenario struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path,omitempty"` // relative to the base URL
	Steps       []string `json:"steps"`
}

// UIScenarioResult is the outcome of a single scenario
type UIScenarioResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Details    string `json:"details,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// UIEvalResult aggregates scenario outcomes
type UIEvalResult struct {
	Results     []UIScenarioResult `json:"results"`
	OverallPass bool               `json:"overall_pass"`
}

// UiEvaluationClient is the capability interface for the UI evaluation service
type UiEvaluationClient interface {
	RunScenarios(ctx context.Context, baseURL string, scenarios []UIScenario, timeout time.Duration) (UIEvalResult, error)
}

// HTTPUiEvaluationClient talks to the UI evaluation service over HTTP
type HTTPUiEvaluationClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUiEvaluationClient creates a UI evaluation client for the given base URL
func NewHTTPUiEvaluationClient(baseURL string, timeout time.Duration) *HTTPUiEvaluationClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPUiEvaluationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// RunScenarios evaluates the given scenarios against a deployed application
func (c *HTTPUiEvaluationClient) RunScenarios(ctx context.Context, baseURL string, scenarios []UIScenario, timeout time.Duration) (UIEvalResult, error) {
	op := "ui-eval"

	payload := map[string]interface{}{
		"base_url":        baseURL,
		"scenarios":       scenarios,
		"timeout_seconds": int(timeout.Seconds()),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return UIEvalResult{}, Fatal(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(data))
	if err != nil {
		return UIEvalResult{}, Fatal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return UIEvalResult{}, Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return UIEvalResult{}, Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return UIEvalResult{}, Fatal(op, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var result UIEvalResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return UIEvalResult{}, Transient(op, fmt.Errorf("decoding response: %w", err))
	}
	return result, nil
}
