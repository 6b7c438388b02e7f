package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	runPlanning   string
	validateURL   string
	continuePlans bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run PROJECT PROMPT...",
		Short: "Start an agent run",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runPlanning, "planning", "", "planning statement prepended to the prompt")
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent agent runs",
		RunE:  runRuns,
	}
	rootCmd.AddCommand(runsCmd)

	continueCmd := &cobra.Command{
		Use:   "continue RUN [MESSAGE...]",
		Short: "Continue a parked or finished agent run",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runContinue,
	}
	continueCmd.Flags().BoolVar(&continuePlans, "confirm-plan", false, "confirm the pending plan")
	rootCmd.AddCommand(continueCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel an agent run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	validateCmd := &cobra.Command{
		Use:   "validate PROJECT PR_NUMBER",
		Short: "Start a validation run for a pull request",
		Args:  cobra.ExactArgs(2),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVar(&validateURL, "pr-url", "", "pull request URL")
	rootCmd.AddCommand(validateCmd)

	validationsCmd := &cobra.Command{
		Use:   "validations [RUN]",
		Short: "List validation runs or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidations,
	}
	rootCmd.AddCommand(validationsCmd)
}

func apiBase() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port), nil
}

func apiCall(method, path string, payload, out interface{}) error {
	base, err := apiBase()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	payload := map[string]string{
		"project_id":         args[0],
		"prompt":             strings.Join(args[1:], " "),
		"planning_statement": runPlanning,
	}

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := apiCall(http.MethodPost, "/api/runs", payload, &run); err != nil {
		return err
	}
	fmt.Printf("Run %s created (%s)\n", run.ID, run.Status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status struct {
		ActiveRuns        int `json:"active_runs"`
		ActiveValidations int `json:"active_validations"`
		Projects          int `json:"projects"`
	}
	if err := apiCall(http.MethodGet, "/api/status", nil, &status); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Active agent runs:\t%d\n", status.ActiveRuns)
	fmt.Fprintf(w, "Active validations:\t%d\n", status.ActiveValidations)
	fmt.Fprintf(w, "Projects:\t%d\n", status.Projects)
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	var runs []struct {
		ID             string `json:"id"`
		ProjectID      string `json:"project_id"`
		Status         string `json:"status"`
		Classification string `json:"classification"`
		PRURL          string `json:"pr_url"`
		Duration       string `json:"duration"`
	}
	if err := apiCall(http.MethodGet, "/api/runs", nil, &runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tCLASS\tDURATION\tPR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.ProjectID, r.Status, r.Classification, r.Duration, r.PRURL)
	}
	return w.Flush()
}

func runContinue(cmd *cobra.Command, args []string) error {
	payload := map[string]string{
		"message": strings.Join(args[1:], " "),
	}
	if continuePlans {
		payload["action"] = "confirm_plan"
	}
	if err := apiCall(http.MethodPost, "/api/runs/"+args[0]+"/continue", payload, nil); err != nil {
		return err
	}
	fmt.Println("Run continued")
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := apiCall(http.MethodPost, "/api/runs/"+args[0]+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Println("Run cancelled")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	prNumber, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid PR number %q", args[1])
	}

	payload := map[string]interface{}{
		"project_id": args[0],
		"pr_number":  prNumber,
		"pr_url":     validateURL,
	}
	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := apiCall(http.MethodPost, "/api/validations", payload, &run); err != nil {
		return err
	}
	fmt.Printf("Validation %s created (%s)\n", run.ID, run.Status)
	return nil
}

func runValidations(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showValidation(args[0])
	}

	var runs []struct {
		ID           string  `json:"id"`
		ProjectID    string  `json:"project_id"`
		PRNumber     int     `json:"pr_number"`
		Status       string  `json:"status"`
		OverallScore float64 `json:"overall_score"`
		AutoMerged   bool    `json:"auto_merge_executed"`
	}
	if err := apiCall(http.MethodGet, "/api/validations", nil, &runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tPR\tSTATUS\tSCORE\tMERGED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t#%d\t%s\t%.1f\t%v\n",
			shortID(r.ID), r.ProjectID, r.PRNumber, r.Status, r.OverallScore, r.AutoMerged)
	}
	return w.Flush()
}

func showValidation(id string) error {
	var run struct {
		ID           string  `json:"id"`
		Status       string  `json:"status"`
		OverallScore float64 `json:"overall_score"`
		Error        string  `json:"error"`
		Steps        []struct {
			Type       string   `json:"type"`
			Status     string   `json:"status"`
			Score      *float64 `json:"score"`
			RetryCount int      `json:"retry_count"`
			Error      string   `json:"error"`
		} `json:"steps"`
	}
	if err := apiCall(http.MethodGet, "/api/validations/"+id, nil, &run); err != nil {
		return err
	}

	fmt.Printf("Validation %s: %s (score %.1f)\n", shortID(run.ID), run.Status, run.OverallScore)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tSCORE\tRETRIES\tERROR")
	for _, s := range run.Steps {
		score := "-"
		if s.Score != nil {
			score = fmt.Sprintf("%.1f", *s.Score)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.Type, s.Status, score, s.RetryCount, s.Error)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
