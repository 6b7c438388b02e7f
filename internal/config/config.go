package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Clients       ClientsConfig       `toml:"clients"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	ScenariosDir string `toml:"scenarios_dir"`
}

// OrchestratorConfig holds agent run monitoring settings
type OrchestratorConfig struct {
	PollIntervalSec    int `toml:"poll_interval_sec"`
	BackoffCeilSec     int `toml:"backoff_ceiling_sec"`
	CallTimeoutSec     int `toml:"call_timeout_sec"`
	MaxPollFailures    int `toml:"max_poll_failures"`
	MonitorDeadlineMin int `toml:"monitor_deadline_min"` // 0 = no overall deadline
}

// PollInterval returns the nominal delay between status polls
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// BackoffCeiling returns the maximum backoff between polls
func (c OrchestratorConfig) BackoffCeiling() time.Duration {
	return time.Duration(c.BackoffCeilSec) * time.Second
}

// CallTimeout returns the per-call timeout for agent API requests
func (c OrchestratorConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// MonitorDeadline returns the overall cap on monitoring one attempt,
// zero meaning no cap
func (c OrchestratorConfig) MonitorDeadline() time.Duration {
	return time.Duration(c.MonitorDeadlineMin) * time.Minute
}

// PipelineConfig holds validation pipeline settings
type PipelineConfig struct {
	MaxConcurrent    int     `toml:"max_concurrent"`
	ScoreThreshold   float64 `toml:"score_threshold"`
	MaxFixRetries    int     `toml:"max_fix_retries"`
	FixWaitSec       int     `toml:"fix_wait_sec"`
	StepTimeoutSec   int     `toml:"step_timeout_sec"`
	TransientRetries int     `toml:"transient_retries"`
	StaleAfterMin    int     `toml:"stale_after_min"`
	SweepCron        string  `toml:"sweep_cron"`
}

// FixWait returns the bounded wait for a fix-forward agent continuation
func (c PipelineConfig) FixWait() time.Duration {
	return time.Duration(c.FixWaitSec) * time.Second
}

// StepTimeout returns the per-step execution timeout
func (c PipelineConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

// StaleAfter returns how long a running validation may go without progress
func (c PipelineConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMin) * time.Minute
}

// ClientsConfig holds external service endpoints
type ClientsConfig struct {
	AgentAPIURL       string `toml:"agent_api_url"`
	AgentAPIToken     string `toml:"agent_api_token"`
	SandboxURL        string `toml:"sandbox_url"`
	AnalysisURL       string `toml:"analysis_url"`
	UIEvalURL         string `toml:"ui_eval_url"`
	RequestTimeoutSec int    `toml:"request_timeout_sec"`
}

// RequestTimeout returns the default client request timeout
func (c ClientsConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".agent-ci-orchestrator", "orchestrator.db"),
			ScenariosDir: filepath.Join(home, ".agent-ci-orchestrator", "scenarios"),
		},
		Orchestrator: OrchestratorConfig{
			PollIntervalSec: 5,
			BackoffCeilSec:  60,
			CallTimeoutSec:  30,
			MaxPollFailures: 10,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:    5,
			ScoreThreshold:   80,
			MaxFixRetries:    3,
			FixWaitSec:       120,
			StepTimeoutSec:   600,
			TransientRetries: 3,
			StaleAfterMin:    60,
			SweepCron:        "*/15 * * * *",
		},
		Clients: ClientsConfig{
			RequestTimeoutSec: 30,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ScenariosDir = ExpandPath(cfg.General.ScenariosDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-ci-orchestrator", "config.toml")
}
