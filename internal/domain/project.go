package domain

// Project holds the per-repository settings the orchestrators need
type Project struct {
	Entity
	Name             string
	RepoOwner        string
	RepoName         string
	RepoURL          string
	DefaultBranch    string
	AutoMergeEnabled bool
	AutoConfirmPlans bool
	UITestingEnabled bool
	DeployCommands   []string // run inside the sandbox snapshot
	HealthCheckURL   string   // probed by deployment validation
	BaseURL          string   // entry point for UI scenarios
}

// RepoSlug returns the owner/name pair used by the source-control client
func (p *Project) RepoSlug() string {
	return p.RepoOwner + "/" + p.RepoName
}
