package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var prURLRegex = regexp.MustCompile(`https?://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// PRRef identifies a pull request by URL and number
type PRRef struct {
	URL    string
	Owner  string
	Repo   string
	Number int
}

// ParsePRURL parses a GitHub pull request URL into a PRRef
func ParsePRURL(url string) (PRRef, error) {
	matches := prURLRegex.FindStringSubmatch(url)
	if matches == nil {
		return PRRef{}, fmt.Errorf("invalid pull request URL: %q", url)
	}
	num, _ := strconv.Atoi(matches[3]) // regex guarantees digits
	return PRRef{
		URL:    matches[0],
		Owner:  matches[1],
		Repo:   matches[2],
		Number: num,
	}, nil
}

// FindPRRef extracts the first pull request reference found in free text.
// Returns false if the text contains none.
func FindPRRef(text string) (PRRef, bool) {
	match := prURLRegex.FindString(text)
	if match == "" {
		return PRRef{}, false
	}
	ref, err := ParsePRURL(match)
	if err != nil {
		return PRRef{}, false
	}
	return ref, true
}

// String returns the canonical owner/repo#number form
func (r PRRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}
