package main

import (
	"fmt"
	"os"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "agent-orch",
		Short: "Agent CI Orchestrator - validation pipeline for agent-created PRs",
		Long: `Agent CI Orchestrator drives a coding agent through the request, plan and
pull-request lifecycle, then validates every PR in a sandboxed pipeline
and merges the ones that qualify.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
