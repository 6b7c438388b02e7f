package domain

import "testing"

func TestCombinedPrompt(t *testing.T) {
	run := &AgentRun{Prompt: "add rate limiting"}
	if got := run.CombinedPrompt(); got != "add rate limiting" {
		t.Errorf("CombinedPrompt = %q", got)
	}

	run.PlanningStatement = "Always plan before coding."
	want := "Always plan before coding.\n\nadd rate limiting"
	if got := run.CombinedPrompt(); got != want {
		t.Errorf("CombinedPrompt = %q, want %q", got, want)
	}
}

func TestCanContinue(t *testing.T) {
	tests := []struct {
		status AgentRunStatus
		want   bool
	}{
		{AgentRunPending, false},
		{AgentRunRunning, false},
		{AgentRunWaitingForInput, true},
		{AgentRunCompleted, true},
		{AgentRunFailed, true},
		{AgentRunCancelled, false},
	}
	for _, tt := range tests {
		run := &AgentRun{Status: tt.status}
		if got := run.CanContinue(); got != tt.want {
			t.Errorf("CanContinue from %s = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCanCancel(t *testing.T) {
	tests := []struct {
		status AgentRunStatus
		want   bool
	}{
		{AgentRunPending, true},
		{AgentRunRunning, true},
		{AgentRunWaitingForInput, true},
		{AgentRunCompleted, false},
		{AgentRunFailed, false},
		{AgentRunCancelled, false},
	}
	for _, tt := range tests {
		run := &AgentRun{Status: tt.status}
		if got := run.CanCancel(); got != tt.want {
			t.Errorf("CanCancel from %s = %v, want %v", tt.status, got, tt.want)
		}
	}
}
