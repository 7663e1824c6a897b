// Package testkit provides shared test doubles: an in-memory forge client
// and mock HTTP servers for model providers.
package testkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keepalive/pkg/forge"
)

// WorkflowDispatch is one recorded workflow_dispatch trigger.
type WorkflowDispatch struct {
	File   string
	Ref    string
	Inputs map[string]any
}

// FakeForge is an in-memory forge.Client. Fields are exported so tests can
// seed state directly; mutating methods record their effects for assertions.
type FakeForge struct {
	mu sync.Mutex

	PR       *forge.PullRequest
	Comments []forge.Comment
	Checks   []forge.CheckRun
	JobLogs  []forge.JobLog
	Compare  *forge.Comparison
	PRFiles  []forge.CommitFile
	Rate     forge.RateSnapshot

	// Dispatches records workflow_dispatch invocations.
	Dispatches []WorkflowDispatch

	// Errs injects an error per method name, e.g. Errs["ListComments"].
	Errs map[string]error

	// Calls counts invocations per method name.
	Calls map[string]int

	nextID int64
	now    time.Time
}

// NewFakeForge returns a fake seeded with an open, mergeable pull request.
func NewFakeForge() *FakeForge {
	mergeable := true
	return &FakeForge{
		PR: &forge.PullRequest{
			Number:         7,
			Title:          "Add retry budget accounting",
			State:          "open",
			HeadSHA:        "abc1234def",
			BaseBranch:     "main",
			HeadBranch:     "feature/retry-budget",
			Mergeable:      &mergeable,
			MergeableState: "clean",
		},
		Errs:   map[string]error{},
		Calls:  map[string]int{},
		nextID: 1000,
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *FakeForge) record(method string) error {
	f.Calls[method]++
	return f.Errs[method]
}

// Tick advances the fake clock so successive comments get distinct timestamps.
func (f *FakeForge) Tick(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// SeedComment appends a comment with a generated ID and timestamp.
func (f *FakeForge) SeedComment(body, user string) forge.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.now = f.now.Add(time.Minute)
	c := forge.Comment{
		ID:        f.nextID,
		Body:      body,
		User:      user,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	f.Comments = append(f.Comments, c)
	return c
}

func (f *FakeForge) Provider() forge.Provider { return forge.ProviderGitHub }

func (f *FakeForge) RepoPath() string { return "example/repo" }

func (f *FakeForge) GetPR(ctx context.Context, number int) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPR"); err != nil {
		return nil, err
	}
	if f.PR == nil {
		return nil, fmt.Errorf("pull request %d not found", number)
	}
	pr := *f.PR
	return &pr, nil
}

func (f *FakeForge) UpdatePRBody(ctx context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdatePRBody"); err != nil {
		return err
	}
	f.PR.Body = body
	return nil
}

// ListComments returns comments newest first, matching the real client.
func (f *FakeForge) ListComments(ctx context.Context, number int) ([]forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListComments"); err != nil {
		return nil, err
	}
	out := make([]forge.Comment, len(f.Comments))
	copy(out, f.Comments)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeForge) CreateComment(ctx context.Context, number int, body string) (*forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateComment"); err != nil {
		return nil, err
	}
	f.nextID++
	f.now = f.now.Add(time.Minute)
	c := forge.Comment{
		ID:        f.nextID,
		Body:      body,
		User:      "keepalive[bot]",
		IsBot:     true,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	f.Comments = append(f.Comments, c)
	return &c, nil
}

func (f *FakeForge) UpdateComment(ctx context.Context, commentID int64, body string) (*forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateComment"); err != nil {
		return nil, err
	}
	for i := range f.Comments {
		if f.Comments[i].ID == commentID {
			f.Comments[i].Body = body
			f.Comments[i].UpdatedAt = f.now.Add(time.Second)
			c := f.Comments[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("comment %d not found", commentID)
}

func (f *FakeForge) GetComment(ctx context.Context, commentID int64) (*forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetComment"); err != nil {
		return nil, err
	}
	for i := range f.Comments {
		if f.Comments[i].ID == commentID {
			c := f.Comments[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("comment %d not found", commentID)
}

func (f *FakeForge) ListLabels(ctx context.Context, number int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListLabels"); err != nil {
		return nil, err
	}
	out := make([]string, len(f.PR.Labels))
	copy(out, f.PR.Labels)
	return out, nil
}

func (f *FakeForge) AddLabels(ctx context.Context, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLabels"); err != nil {
		return err
	}
	for _, l := range labels {
		if !f.PR.HasLabel(l) {
			f.PR.Labels = append(f.PR.Labels, l)
		}
	}
	return nil
}

func (f *FakeForge) RemoveLabel(ctx context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveLabel"); err != nil {
		return err
	}
	for i, l := range f.PR.Labels {
		if l == label {
			f.PR.Labels = append(f.PR.Labels[:i], f.PR.Labels[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeForge) DispatchWorkflow(ctx context.Context, workflowFile, ref string, inputs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DispatchWorkflow"); err != nil {
		return err
	}
	f.Dispatches = append(f.Dispatches, WorkflowDispatch{File: workflowFile, Ref: ref, Inputs: inputs})
	return nil
}

func (f *FakeForge) ListCheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListCheckRuns"); err != nil {
		return nil, err
	}
	out := make([]forge.CheckRun, len(f.Checks))
	copy(out, f.Checks)
	return out, nil
}

func (f *FakeForge) ListFailedJobLogs(ctx context.Context, sha string) ([]forge.JobLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListFailedJobLogs"); err != nil {
		return nil, err
	}
	out := make([]forge.JobLog, len(f.JobLogs))
	copy(out, f.JobLogs)
	return out, nil
}

func (f *FakeForge) CompareCommits(ctx context.Context, base, head string) (*forge.Comparison, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CompareCommits"); err != nil {
		return nil, err
	}
	if f.Compare == nil {
		return &forge.Comparison{Status: "identical"}, nil
	}
	cmp := *f.Compare
	return &cmp, nil
}

func (f *FakeForge) ListPRFiles(ctx context.Context, number int) ([]forge.CommitFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListPRFiles"); err != nil {
		return nil, err
	}
	out := make([]forge.CommitFile, len(f.PRFiles))
	copy(out, f.PRFiles)
	return out, nil
}

func (f *FakeForge) RateLimit() forge.RateSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rate
}

func (f *FakeForge) CheckRateLimit(ctx context.Context) (forge.RateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CheckRateLimit"); err != nil {
		return forge.RateSnapshot{}, err
	}
	return f.Rate, nil
}

var _ forge.Client = (*FakeForge)(nil)
