// Package github implements forge.Client over the GitHub REST API. Every
// response passes through a rate-limit tracking transport so the loop can
// watch its budget without extra API calls.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"

	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
	"keepalive/pkg/ratelimit"
)

const (
	// apiTimeout bounds any single REST call, log downloads included.
	apiTimeout = 2 * time.Minute

	// maxCommentPages caps comment pagination. The marker scan wants newest
	// first and rarely needs more than one page.
	maxCommentPages = 10

	// maxFailedJobs caps how many failed jobs get their logs pulled.
	maxFailedJobs = 10

	// logExcerptLines / logExcerptBytes bound the tail kept per failed job.
	logExcerptLines = 100
	logExcerptBytes = 8000
)

// Client is the GitHub implementation of forge.Client.
type Client struct {
	owner   string
	repo    string
	gh      *gogithub.Client
	httpc   *http.Client
	tracker *ratelimit.Tracker
	logger  *logx.Logger
}

// NewClient builds a GitHub client for owner/repo authenticated with token.
func NewClient(opts forge.ClientOptions) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}

	tracker := ratelimit.NewTracker()
	httpc := &http.Client{
		Transport: ratelimit.NewTransport(nil, tracker),
		Timeout:   apiTimeout,
	}

	return &Client{
		owner:   opts.Owner,
		repo:    opts.Repo,
		gh:      gogithub.NewClient(httpc).WithAuthToken(opts.Token),
		httpc:   httpc,
		tracker: tracker,
		logger:  logx.NewLogger("github"),
	}, nil
}

// Provider returns the forge provider type.
func (c *Client) Provider() forge.Provider {
	return forge.ProviderGitHub
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return c.owner + "/" + c.repo
}

// GetPR retrieves a pull request by number.
func (c *Client) GetPR(ctx context.Context, number int) (*forge.PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, err
	}
	result := convertPR(pr)
	return &result, nil
}

// UpdatePRBody replaces the PR description.
func (c *Client) UpdatePRBody(ctx context.Context, number int, body string) error {
	_, _, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, number, &gogithub.PullRequest{
		Body: gogithub.String(body),
	})
	return err
}

// ListComments lists issue comments on the PR, newest first.
func (c *Client) ListComments(ctx context.Context, number int) ([]forge.Comment, error) {
	opts := &gogithub.IssueListCommentsOptions{
		Sort:        gogithub.String("created"),
		Direction:   gogithub.String("desc"),
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []forge.Comment
	for page := 0; page < maxCommentPages; page++ {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, err
		}
		for _, comment := range comments {
			out = append(out, convertComment(comment))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreateComment posts a new comment on the PR.
func (c *Client) CreateComment(ctx context.Context, number int, body string) (*forge.Comment, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gogithub.IssueComment{
		Body: gogithub.String(body),
	})
	if err != nil {
		return nil, err
	}
	result := convertComment(comment)
	return &result, nil
}

// UpdateComment replaces a comment body.
func (c *Client) UpdateComment(ctx context.Context, commentID int64, body string) (*forge.Comment, error) {
	comment, _, err := c.gh.Issues.EditComment(ctx, c.owner, c.repo, commentID, &gogithub.IssueComment{
		Body: gogithub.String(body),
	})
	if err != nil {
		return nil, err
	}
	result := convertComment(comment)
	return &result, nil
}

// GetComment re-fetches a single comment.
func (c *Client) GetComment(ctx context.Context, commentID int64) (*forge.Comment, error) {
	comment, _, err := c.gh.Issues.GetComment(ctx, c.owner, c.repo, commentID)
	if err != nil {
		return nil, err
	}
	result := convertComment(comment)
	return &result, nil
}

// ListLabels returns the label names on the PR.
func (c *Client) ListLabels(ctx context.Context, number int) ([]string, error) {
	labels, _, err := c.gh.Issues.ListLabelsByIssue(ctx, c.owner, c.repo, number, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, label.GetName())
	}
	return names, nil
}

// AddLabels adds labels to the PR.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
	return err
}

// RemoveLabel removes a label from the PR. A 404 means the label was already
// gone and is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// DispatchWorkflow triggers a workflow_dispatch event.
func (c *Client) DispatchWorkflow(ctx context.Context, workflowFile, ref string, inputs map[string]any) error {
	_, err := c.gh.Actions.CreateWorkflowDispatchEventByFileName(ctx, c.owner, c.repo, workflowFile,
		gogithub.CreateWorkflowDispatchEventRequest{
			Ref:    ref,
			Inputs: inputs,
		})
	return err
}

// ListCheckRuns lists the latest check runs for a commit SHA.
func (c *Client) ListCheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	opts := &gogithub.ListCheckRunsOptions{
		Filter:      gogithub.String("latest"),
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []forge.CheckRun
	for {
		results, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return nil, err
		}
		for _, run := range results.CheckRuns {
			out = append(out, convertCheckRun(run))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListFailedJobLogs collects log tails and annotations for failed jobs on a
// SHA. Log download failures degrade to an entry without an excerpt; the
// caller still learns which jobs failed.
func (c *Client) ListFailedJobLogs(ctx context.Context, sha string) ([]forge.JobLog, error) {
	runs, _, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo,
		&gogithub.ListWorkflowRunsOptions{
			HeadSHA:     sha,
			ListOptions: gogithub.ListOptions{PerPage: 50},
		})
	if err != nil {
		return nil, err
	}

	var out []forge.JobLog
	for _, run := range runs.WorkflowRuns {
		switch run.GetConclusion() {
		case "failure", "cancelled", "timed_out":
		default:
			continue
		}

		jobs, _, err := c.gh.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, run.GetID(),
			&gogithub.ListWorkflowJobsOptions{
				Filter:      "latest",
				ListOptions: gogithub.ListOptions{PerPage: 100},
			})
		if err != nil {
			c.logger.Warn("list jobs for run %d: %v", run.GetID(), err)
			continue
		}

		for _, job := range jobs.Jobs {
			if job.GetConclusion() != "failure" && job.GetConclusion() != "timed_out" {
				continue
			}
			if len(out) >= maxFailedJobs {
				return out, nil
			}

			log := forge.JobLog{
				JobName:    job.GetName(),
				RunID:      run.GetID(),
				Conclusion: job.GetConclusion(),
			}
			if excerpt, err := c.fetchJobLogTail(ctx, job.GetID()); err != nil {
				c.logger.Warn("fetch logs for job %d (%s): %v", job.GetID(), job.GetName(), err)
			} else {
				log.Excerpt = excerpt
			}
			log.Annotations = c.fetchAnnotations(ctx, job.GetID())
			out = append(out, log)
		}
	}
	return out, nil
}

// fetchJobLogTail downloads a job's log and keeps the tail.
func (c *Client) fetchJobLogTail(ctx context.Context, jobID int64) (string, error) {
	logsURL, _, err := c.gh.Actions.GetWorkflowJobLogs(ctx, c.owner, c.repo, jobID, 2)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log download returned %d", resp.StatusCode)
	}

	// Logs can run to megabytes; only the tail matters for diagnosis.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return tailExcerpt(string(raw), logExcerptLines, logExcerptBytes), nil
}

// fetchAnnotations pulls check-run annotations for a job. Job IDs double as
// check run IDs for Actions jobs.
func (c *Client) fetchAnnotations(ctx context.Context, jobID int64) []string {
	annotations, _, err := c.gh.Checks.ListCheckRunAnnotations(ctx, c.owner, c.repo, jobID,
		&gogithub.ListOptions{PerPage: 50})
	if err != nil {
		c.logger.Debug("annotations for job %d: %v", jobID, err)
		return nil
	}

	out := make([]string, 0, len(annotations))
	for _, a := range annotations {
		line := fmt.Sprintf("%s %s:%d %s", a.GetAnnotationLevel(), a.GetPath(), a.GetStartLine(), a.GetMessage())
		out = append(out, strings.TrimSpace(line))
	}
	return out
}

// CompareCommits compares base...head.
func (c *Client) CompareCommits(ctx context.Context, base, head string) (*forge.Comparison, error) {
	cmp, _, err := c.gh.Repositories.CompareCommits(ctx, c.owner, c.repo, base, head,
		&gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, err
	}

	result := &forge.Comparison{
		Status:   cmp.GetStatus(),
		AheadBy:  cmp.GetAheadBy(),
		BehindBy: cmp.GetBehindBy(),
	}
	for _, commit := range cmp.Commits {
		result.Commits = append(result.Commits, forge.Commit{
			SHA:     commit.GetSHA(),
			Message: commit.GetCommit().GetMessage(),
			Author:  commitAuthor(commit),
		})
	}
	for _, file := range cmp.Files {
		result.Files = append(result.Files, convertFile(file))
	}
	return result, nil
}

// ListPRFiles lists the files changed by a PR.
func (c *Client) ListPRFiles(ctx context.Context, number int) ([]forge.CommitFile, error) {
	opts := &gogithub.ListOptions{PerPage: 100}

	var out []forge.CommitFile
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			out = append(out, convertFile(file))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// RateLimit returns the latest passively observed budget.
func (c *Client) RateLimit() forge.RateSnapshot {
	snap := c.tracker.Snapshot()
	return forge.RateSnapshot{
		Limit:     snap.Limit,
		Remaining: snap.Remaining,
		Reset:     snap.Reset,
	}
}

// Tracker exposes the rate-limit tracker backing this client.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// CheckRateLimit actively queries the core rate limit pool.
func (c *Client) CheckRateLimit(ctx context.Context) (forge.RateSnapshot, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return forge.RateSnapshot{}, err
	}
	core := limits.GetCore()
	if core == nil {
		return forge.RateSnapshot{}, fmt.Errorf("rate limit response missing core pool")
	}

	snap := forge.RateSnapshot{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
	}
	c.tracker.Update(snap.Remaining, snap.Limit, snap.Reset)
	return snap, nil
}

func convertPR(pr *gogithub.PullRequest) forge.PullRequest {
	result := forge.PullRequest{
		Number:         pr.GetNumber(),
		URL:            pr.GetHTMLURL(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		State:          pr.GetState(),
		Draft:          pr.GetDraft(),
		HeadBranch:     pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		BaseBranch:     pr.GetBase().GetRef(),
		BaseSHA:        pr.GetBase().GetSHA(),
		Merged:         pr.GetMerged(),
		Mergeable:      pr.Mergeable,
		MergeableState: pr.GetMergeableState(),
	}
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		result.MergedAt = &t
	}
	for _, label := range pr.Labels {
		result.Labels = append(result.Labels, label.GetName())
	}
	return result
}

func convertComment(comment *gogithub.IssueComment) forge.Comment {
	login := comment.GetUser().GetLogin()
	return forge.Comment{
		ID:        comment.GetID(),
		Body:      comment.GetBody(),
		User:      login,
		IsBot:     comment.GetUser().GetType() == "Bot" || strings.HasSuffix(login, "[bot]"),
		CreatedAt: comment.GetCreatedAt().Time,
		UpdatedAt: comment.GetUpdatedAt().Time,
	}
}

func convertCheckRun(run *gogithub.CheckRun) forge.CheckRun {
	result := forge.CheckRun{
		ID:         run.GetID(),
		Name:       run.GetName(),
		Status:     run.GetStatus(),
		Conclusion: run.GetConclusion(),
		Summary:    run.GetOutput().GetSummary(),
	}
	if run.StartedAt != nil {
		t := run.StartedAt.Time
		result.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := run.CompletedAt.Time
		result.CompletedAt = &t
	}
	return result
}

func convertFile(file *gogithub.CommitFile) forge.CommitFile {
	return forge.CommitFile{
		Filename:  file.GetFilename(),
		Status:    file.GetStatus(),
		Additions: file.GetAdditions(),
		Deletions: file.GetDeletions(),
		Patch:     file.GetPatch(),
	}
}

func commitAuthor(commit *gogithub.RepositoryCommit) string {
	if login := commit.GetAuthor().GetLogin(); login != "" {
		return login
	}
	return commit.GetCommit().GetAuthor().GetName()
}
