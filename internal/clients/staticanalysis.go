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

// AnalysisConfig selects which checks the analysis service runs
type AnalysisConfig struct {
	Linters      []string `json:"linters,omitempty"`
	FailSeverity string   `json:"fail_severity,omitempty"`
}

// AnalysisIssue is one finding from static analysis
type AnalysisIssue struct {
	Severity string `json:"severity"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
}

// AnalysisResult is the aggregate output of a static analysis pass
type AnalysisResult struct {
	Issues  []AnalysisIssue    `json:"issues"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Score   float64            `json:"score"` // 0-100
}

// StaticAnalysisClient is the capability interface for the analysis service
type StaticAnalysisClient interface {
	Analyze(ctx context.Context, snapshotID string, cfg AnalysisConfig) (AnalysisResult, error)
}

// HTTPStaticAnalysisClient talks to the analysis service over HTTP
type HTTPStaticAnalysisClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStaticAnalysisClient creates an analysis client for the given base URL
func NewHTTPStaticAnalysisClient(baseURL string, timeout time.Duration) *HTTPStaticAnalysisClient {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPStaticAnalysisClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Analyze runs static analysis against a sandbox snapshot
func (c *HTTPStaticAnalysisClient) Analyze(ctx context.Context, snapshotID string, cfg AnalysisConfig) (AnalysisResult, error) {
	op := "analysis"

	payload := struct {
		SnapshotID string `json:"snapshot_id"`
		AnalysisConfig
	}{SnapshotID: snapshotID, AnalysisConfig: cfg}

	data, err := json.Marshal(payload)
	if err != nil {
		return AnalysisResult{}, Fatal(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(data))
	if err != nil {
		return AnalysisResult{}, Fatal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return AnalysisResult{}, Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return AnalysisResult{}, Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return AnalysisResult{}, Fatal(op, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var result AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return AnalysisResult{}, Transient(op, fmt.Errorf("decoding response: %w", err))
	}
	return result, nil
}
