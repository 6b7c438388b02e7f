package classifier

import (
	"regexp"
	"strings"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/domain"
)

// Kind is the coarse classification of an agent response
type Kind string

const (
	KindRegular Kind = "regular"
	KindPlan    Kind = "plan"
	KindPR      Kind = "pr"
	KindError   Kind = "error"
)

// Classification is the result of classifying one poll response
type Classification struct {
	Kind Kind
	PR   *domain.PRRef // set when Kind is KindPR
}

// ResponseClassifier decides what an agent response means for the run
// lifecycle. Implementations must be safe for concurrent use.
type ResponseClassifier interface {
	Classify(status clients.TaskStatus) Classification
}

var (
	planHeadingRegex = regexp.MustCompile(`(?im)^#+\s*(implementation\s+)?plan\b`)

	planMarkers = []string{
		"proposed plan",
		"implementation plan",
		"here is my plan",
		"here's my plan",
		"plan for your review",
		"awaiting confirmation",
		"confirm this plan",
		"shall i proceed",
		"ready to proceed?",
	}

	errorMarkers = []string{
		"fatal error",
		"cannot proceed",
		"unable to continue",
		"task aborted",
		"failed to complete the task",
	}
)

// Heuristic classifies responses by keyword and pattern matching.
// Precedence is deliberate: an explicitly failed task always classifies as
// error, a PR link beats plan wording (PR announcements routinely contain
// the word "plan"), and error phrasing is only considered after both.
type Heuristic struct{}

// NewHeuristic returns the default keyword classifier
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Classify implements ResponseClassifier
func (h *Heuristic) Classify(status clients.TaskStatus) Classification {
	if status.State == clients.TaskFailed {
		return Classification{Kind: KindError}
	}

	text := status.ResponseText

	if ref, ok := domain.FindPRRef(text); ok {
		return Classification{Kind: KindPR, PR: &ref}
	}

	lower := strings.ToLower(text)

	if planHeadingRegex.MatchString(text) {
		return Classification{Kind: KindPlan}
	}
	for _, marker := range planMarkers {
		if strings.Contains(lower, marker) {
			return Classification{Kind: KindPlan}
		}
	}

	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return Classification{Kind: KindError}
		}
	}

	return Classification{Kind: KindRegular}
}
