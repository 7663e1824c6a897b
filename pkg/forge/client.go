// Package forge provides abstractions for the git hosting provider backing
// the keepalive loop. It defines the interface the engine programs against;
// provider packages register concrete clients.
package forge

import (
	"context"
	"time"
)

// Provider represents a git hosting provider type.
type Provider string

// Provider constants.
const (
	ProviderGitHub Provider = "github"
)

// PullRequest is a provider-normalized pull request.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type PullRequest struct {
	// Number is the PR number/index.
	Number int `json:"number"`

	// URL is the web URL for the PR.
	URL string `json:"url"`

	// Title is the PR title.
	Title string `json:"title"`

	// Body is the PR description.
	Body string `json:"body"`

	// State is the PR state (open, closed, merged).
	State string `json:"state"`

	// Draft indicates a draft PR.
	Draft bool `json:"draft"`

	// HeadBranch is the source branch name.
	HeadBranch string `json:"head_branch"`

	// HeadSHA is the source branch commit SHA.
	HeadSHA string `json:"head_sha"`

	// BaseBranch is the target branch name.
	BaseBranch string `json:"base_branch"`

	// BaseSHA is the target branch commit SHA.
	BaseSHA string `json:"base_sha"`

	// MergedAt is when the PR was merged (if merged).
	MergedAt *time.Time `json:"merged_at,omitempty"`

	// Merged indicates if the PR has been merged.
	Merged bool `json:"merged"`

	// Mergeable is nil while the provider is still computing mergeability.
	Mergeable *bool `json:"mergeable,omitempty"`

	// MergeableState is the provider's merge-state word ("clean", "dirty",
	// "blocked", "unknown", ...).
	MergeableState string `json:"mergeable_state"`

	// Labels are the label names currently on the PR.
	Labels []string `json:"labels"`
}

// IsMerged returns true if the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.Merged || pr.MergedAt != nil
}

// HasLabel reports whether the PR carries the named label.
func (pr *PullRequest) HasLabel(name string) bool {
	for _, l := range pr.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Comment is a provider-normalized issue/PR comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      string    `json:"user"`
	IsBot     bool      `json:"is_bot"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckRun is a provider-normalized CI check result.
type CheckRun struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`     // queued, in_progress, completed
	Conclusion  string     `json:"conclusion"` // success, failure, cancelled, ...
	Summary     string     `json:"summary"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Commit is a provider-normalized commit.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
}

// CommitFile is one changed file in a commit range or PR.
type CommitFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"` // added, modified, removed, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// Comparison is the result of comparing two commits.
type Comparison struct {
	Status   string       `json:"status"` // ahead, behind, identical, diverged
	AheadBy  int          `json:"ahead_by"`
	BehindBy int          `json:"behind_by"`
	Commits  []Commit     `json:"commits"`
	Files    []CommitFile `json:"files"`
}

// JobLog is the tail of a failed CI job's log plus its annotations.
type JobLog struct {
	JobName     string   `json:"job_name"`
	RunID       int64    `json:"run_id"`
	Conclusion  string   `json:"conclusion"`
	Excerpt     string   `json:"excerpt"`
	Annotations []string `json:"annotations,omitempty"`
}

// RateSnapshot is the provider's current rate-limit view.
type RateSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Client defines the forge operations the keepalive loop needs.
type Client interface {
	// Provider returns the forge provider type.
	Provider() Provider

	// RepoPath returns the owner/repo path.
	RepoPath() string

	// GetPR retrieves a pull request by number.
	GetPR(ctx context.Context, number int) (*PullRequest, error)

	// UpdatePRBody replaces the PR description.
	UpdatePRBody(ctx context.Context, number int, body string) error

	// ListComments lists PR comments, newest first.
	ListComments(ctx context.Context, number int) ([]Comment, error)

	// CreateComment posts a new comment and returns it.
	CreateComment(ctx context.Context, number int, body string) (*Comment, error)

	// UpdateComment replaces a comment body.
	UpdateComment(ctx context.Context, commentID int64, body string) (*Comment, error)

	// GetComment re-fetches a single comment.
	GetComment(ctx context.Context, commentID int64) (*Comment, error)

	// Label operations. Mutations are best-effort at the call sites.

	ListLabels(ctx context.Context, number int) ([]string, error)
	AddLabels(ctx context.Context, number int, labels []string) error
	RemoveLabel(ctx context.Context, number int, label string) error

	// CI surface.

	// ListCheckRuns lists check runs for a commit SHA.
	ListCheckRuns(ctx context.Context, sha string) ([]CheckRun, error)

	// ListFailedJobLogs returns log excerpts for failed/cancelled jobs on a SHA.
	ListFailedJobLogs(ctx context.Context, sha string) ([]JobLog, error)

	// DispatchWorkflow triggers a workflow_dispatch event for a workflow file
	// on the given ref.
	DispatchWorkflow(ctx context.Context, workflowFile, ref string, inputs map[string]any) error

	// Diff surface.

	// CompareCommits compares base...head.
	CompareCommits(ctx context.Context, base, head string) (*Comparison, error)

	// ListPRFiles lists the files changed by a PR.
	ListPRFiles(ctx context.Context, number int) ([]CommitFile, error)

	// RateLimit returns the most recent rate snapshot seen on this client's
	// transport, if the provider exposes one.
	RateLimit() RateSnapshot

	// CheckRateLimit actively queries the provider for the current budget.
	// Used when vetting a fallback credential before switching to it.
	CheckRateLimit(ctx context.Context) (RateSnapshot, error)
}
