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

// SnapshotConfig describes the sandbox environment to create
type SnapshotConfig struct {
	ProjectID string `json:"project_id"`
	Image     string `json:"image,omitempty"`
}

// ExecResult is the outcome of running commands in a sandbox
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// SandboxClient is the capability interface for the execution sandbox service
type SandboxClient interface {
	CreateSnapshot(ctx context.Context, cfg SnapshotConfig) (string, error)
	Clone(ctx context.Context, snapshotID, repoURL, branch string) error
	Execute(ctx context.Context, snapshotID string, commands []string, timeout time.Duration) (ExecResult, error)
	Delete(ctx context.Context, snapshotID string) error
}

// HTTPSandboxClient talks to the sandbox service over HTTP
type HTTPSandboxClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSandboxClient creates a sandbox client for the given base URL
func NewHTTPSandboxClient(baseURL string, timeout time.Duration) *HTTPSandboxClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPSandboxClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateSnapshot provisions a new sandbox snapshot and returns its id
func (c *HTTPSandboxClient) CreateSnapshot(ctx context.Context, cfg SnapshotConfig) (string, error) {
	var resp struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/snapshots", cfg, &resp); err != nil {
		return "", err
	}
	if resp.SnapshotID == "" {
		return "", Fatal("sandbox create", fmt.Errorf("service returned no snapshot id"))
	}
	return resp.SnapshotID, nil
}

// Clone checks out a repository branch inside the snapshot
func (c *HTTPSandboxClient) Clone(ctx context.Context, snapshotID, repoURL, branch string) error {
	body := map[string]string{"repo_url": repoURL, "branch": branch}
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/snapshots/"+snapshotID+"/clone", body, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return Fatal("sandbox clone", fmt.Errorf("clone of %s@%s rejected", repoURL, branch))
	}
	return nil
}

// Execute runs commands sequentially inside the snapshot
func (c *HTTPSandboxClient) Execute(ctx context.Context, snapshotID string, commands []string, timeout time.Duration) (ExecResult, error) {
	body := map[string]interface{}{
		"commands":        commands,
		"timeout_seconds": int(timeout.Seconds()),
	}
	var result ExecResult
	if err := c.do(ctx, http.MethodPost, "/v1/snapshots/"+snapshotID+"/exec", body, &result); err != nil {
		return ExecResult{}, err
	}
	return result, nil
}

// Delete disposes of a snapshot. Deleting an unknown snapshot is not an error.
func (c *HTTPSandboxClient) Delete(ctx context.Context, snapshotID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/snapshots/"+snapshotID, nil, nil)
	var fe *FatalError
	if err != nil && asFatal(err, &fe) {
		return nil // already gone
	}
	return err
}

func asFatal(err error, target **FatalError) bool {
	fe, ok := err.(*FatalError)
	if ok {
		*target = fe
	}
	return ok
}

func (c *HTTPSandboxClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := "sandbox " + method + " " + path

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
