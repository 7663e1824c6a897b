package cache

import (
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v68/github"
)

// PRKey builds a cache key scoped to one pull request:
// "pr:<owner>/<repo>#<n>[:resource[:suffix...]]".
func PRKey(owner, repo string, number int, parts ...string) string {
	key := fmt.Sprintf("pr:%s/%s#%d", owner, repo, number)
	if len(parts) > 0 {
		key += ":" + strings.Join(parts, ":")
	}
	return key
}

// PRPrefix is the eviction prefix covering every resource of one PR.
func PRPrefix(owner, repo string, number int) string {
	return fmt.Sprintf("pr:%s/%s#%d:", owner, repo, number)
}

// InvalidateEvent evicts all entries for every PR a webhook event references.
// Returns the number of entries evicted.
func (c *Cache) InvalidateEvent(owner, repo, eventType string, payload []byte) int {
	numbers := PRNumbersFromEvent(eventType, payload)
	evicted := 0
	for _, n := range numbers {
		evicted += c.InvalidatePrefix(PRPrefix(owner, repo, n))
	}
	if evicted > 0 {
		c.logger.Debug("event %s evicted %d entries for PRs %v", eventType, evicted, numbers)
	}
	return evicted
}

// PRNumbersFromEvent extracts the PR numbers an event references: direct
// pull_request events, issues/issue_comment events whose issue is a PR, and
// workflow_run / check_suite events carrying pull_requests arrays.
func PRNumbersFromEvent(eventType string, payload []byte) []int {
	parsed, err := gogithub.ParseWebHook(eventType, payload)
	if err != nil {
		return nil
	}

	seen := make(map[int]bool)
	var numbers []int
	add := func(n int) {
		if n > 0 && !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
	}

	switch event := parsed.(type) {
	case *gogithub.PullRequestEvent:
		add(event.GetNumber())
		add(event.GetPullRequest().GetNumber())
	case *gogithub.PullRequestReviewEvent:
		add(event.GetPullRequest().GetNumber())
	case *gogithub.PullRequestReviewCommentEvent:
		add(event.GetPullRequest().GetNumber())
	case *gogithub.IssuesEvent:
		if event.GetIssue().IsPullRequest() {
			add(event.GetIssue().GetNumber())
		}
	case *gogithub.IssueCommentEvent:
		if event.GetIssue().IsPullRequest() {
			add(event.GetIssue().GetNumber())
		}
	case *gogithub.WorkflowRunEvent:
		for _, pr := range event.GetWorkflowRun().PullRequests {
			add(pr.GetNumber())
		}
	case *gogithub.CheckSuiteEvent:
		for _, pr := range event.GetCheckSuite().PullRequests {
			add(pr.GetNumber())
		}
	}
	return numbers
}
