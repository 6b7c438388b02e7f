package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// PRInfo describes a pull request
type PRInfo struct {
	Number    int
	Title     string
	State     string
	Branch    string
	CommitSHA string
	Mergeable bool
	URL       string
}

// MergeResult is the outcome of a merge attempt
type MergeResult struct {
	Merged  bool
	Message string
}

// SourceControlClient is the capability interface for source-control operations
type SourceControlClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (PRInfo, error)
	Merge(ctx context.Context, owner, repo string, number int, method string) (MergeResult, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
}

// GHClient implements SourceControlClient via the gh CLI
type GHClient struct{}

// NewGHClient creates a gh-CLI backed source-control client
func NewGHClient() *GHClient {
	return &GHClient{}
}

type ghPRView struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	State       string `json:"state"`
	HeadRefName string `json:"headRefName"`
	HeadRefOid  string `json:"headRefOid"`
	Mergeable   string `json:"mergeable"`
	URL         string `json:"url"`
}

// GetPullRequest fetches PR details via gh pr view
func (g *GHClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (PRInfo, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", fmt.Sprintf("%d", number),
		"--repo", owner+"/"+repo,
		"--json", "number,title,state,headRefName,headRefOid,mergeable,url",
	)
	out, err := cmd.Output()
	if err != nil {
		return PRInfo{}, Transient("gh pr view", fmt.Errorf("%s: %w", exitDetail(err), err))
	}

	var view ghPRView
	if err := json.Unmarshal(out, &view); err != nil {
		return PRInfo{}, Fatal("gh pr view", fmt.Errorf("parsing output: %w", err))
	}

	return PRInfo{
		Number:    view.Number,
		Title:     view.Title,
		State:     view.State,
		Branch:    view.HeadRefName,
		CommitSHA: view.HeadRefOid,
		Mergeable: view.Mergeable == "MERGEABLE",
		URL:       view.URL,
	}, nil
}

// Merge merges a PR. Method is squash, merge or rebase; squash is the default.
func (g *GHClient) Merge(ctx context.Context, owner, repo string, number int, method string) (MergeResult, error) {
	if method == "" {
		method = "squash"
	}
	cmd := exec.CommandContext(ctx, "gh", "pr", "merge", fmt.Sprintf("%d", number),
		"--repo", owner+"/"+repo,
		"--"+method,
		"--delete-branch",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return MergeResult{Merged: false, Message: string(out)},
			Transient("gh pr merge", fmt.Errorf("%s: %w", out, err))
	}
	return MergeResult{Merged: true, Message: string(out)}, nil
}

// CreateComment posts a comment on a PR
func (g *GHClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	cmd := exec.CommandContext(ctx, "gh", "pr", "comment", fmt.Sprintf("%d", number),
		"--repo", owner+"/"+repo,
		"--body", body,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Transient("gh pr comment", fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

func exitDetail(err error) string {
	if ee, ok := err.(*exec.ExitError); ok {
		return string(ee.Stderr)
	}
	return ""
}
