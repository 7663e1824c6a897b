package forge

import (
	"context"

	"keepalive/pkg/retry"
)

// retrying decorates a Client so every call runs under the retry executor
// with its operation class: reads get the most attempts, writes and
// dispatches fewer, label mutations one.
type retrying struct {
	inner Client
	exec  *retry.Executor
}

// NewRetrying wraps client with classification-aware retries. Errors escaping
// the wrapper are always classified.
func NewRetrying(client Client, exec *retry.Executor) Client {
	if exec == nil {
		exec = retry.NewDefault()
	}
	return &retrying{inner: client, exec: exec}
}

func (r *retrying) Provider() Provider { return r.inner.Provider() }

func (r *retrying) RepoPath() string { return r.inner.RepoPath() }

func (r *retrying) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "get-pr", func(ctx context.Context) (*PullRequest, error) {
		return r.inner.GetPR(ctx, number)
	})
}

func (r *retrying) UpdatePRBody(ctx context.Context, number int, body string) error {
	return r.exec.Do(ctx, retry.OpWrite, "update-pr-body", func(ctx context.Context) error {
		return r.inner.UpdatePRBody(ctx, number, body)
	})
}

func (r *retrying) ListComments(ctx context.Context, number int) ([]Comment, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "list-comments", func(ctx context.Context) ([]Comment, error) {
		return r.inner.ListComments(ctx, number)
	})
}

func (r *retrying) CreateComment(ctx context.Context, number int, body string) (*Comment, error) {
	return retry.Value(ctx, r.exec, retry.OpWrite, "create-comment", func(ctx context.Context) (*Comment, error) {
		return r.inner.CreateComment(ctx, number, body)
	})
}

func (r *retrying) UpdateComment(ctx context.Context, commentID int64, body string) (*Comment, error) {
	return retry.Value(ctx, r.exec, retry.OpWrite, "update-comment", func(ctx context.Context) (*Comment, error) {
		return r.inner.UpdateComment(ctx, commentID, body)
	})
}

func (r *retrying) GetComment(ctx context.Context, commentID int64) (*Comment, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "get-comment", func(ctx context.Context) (*Comment, error) {
		return r.inner.GetComment(ctx, commentID)
	})
}

func (r *retrying) ListLabels(ctx context.Context, number int) ([]string, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "list-labels", func(ctx context.Context) ([]string, error) {
		return r.inner.ListLabels(ctx, number)
	})
}

func (r *retrying) AddLabels(ctx context.Context, number int, labels []string) error {
	return r.exec.Do(ctx, retry.OpAdmin, "add-labels", func(ctx context.Context) error {
		return r.inner.AddLabels(ctx, number, labels)
	})
}

func (r *retrying) RemoveLabel(ctx context.Context, number int, label string) error {
	return r.exec.Do(ctx, retry.OpAdmin, "remove-label", func(ctx context.Context) error {
		return r.inner.RemoveLabel(ctx, number, label)
	})
}

func (r *retrying) DispatchWorkflow(ctx context.Context, workflowFile, ref string, inputs map[string]any) error {
	return r.exec.Do(ctx, retry.OpDispatch, "dispatch-workflow", func(ctx context.Context) error {
		return r.inner.DispatchWorkflow(ctx, workflowFile, ref, inputs)
	})
}

func (r *retrying) ListCheckRuns(ctx context.Context, sha string) ([]CheckRun, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "list-check-runs", func(ctx context.Context) ([]CheckRun, error) {
		return r.inner.ListCheckRuns(ctx, sha)
	})
}

func (r *retrying) ListFailedJobLogs(ctx context.Context, sha string) ([]JobLog, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "list-failed-job-logs", func(ctx context.Context) ([]JobLog, error) {
		return r.inner.ListFailedJobLogs(ctx, sha)
	})
}

func (r *retrying) CompareCommits(ctx context.Context, base, head string) (*Comparison, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "compare-commits", func(ctx context.Context) (*Comparison, error) {
		return r.inner.CompareCommits(ctx, base, head)
	})
}

func (r *retrying) ListPRFiles(ctx context.Context, number int) ([]CommitFile, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "list-pr-files", func(ctx context.Context) ([]CommitFile, error) {
		return r.inner.ListPRFiles(ctx, number)
	})
}

func (r *retrying) RateLimit() RateSnapshot { return r.inner.RateLimit() }

func (r *retrying) CheckRateLimit(ctx context.Context) (RateSnapshot, error) {
	return retry.Value(ctx, r.exec, retry.OpRead, "check-rate-limit", func(ctx context.Context) (RateSnapshot, error) {
		return r.inner.CheckRateLimit(ctx)
	})
}
