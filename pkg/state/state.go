// Package state persists loop state as a single machine-readable marker
// embedded in a pull-request comment. The comment stream is the only
// durable store: one marker per (pr, trace), deep-merged on save.
package state

import (
	"context"
	"fmt"
	"time"

	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
)

// Version is the fixed marker schema version.
const Version = "v1"

// Ring buffer bounds.
const (
	MaxAttempts       = 5
	MaxAttemptedTasks = 6
)

// Tasks is the checkbox progress snapshot carried in state.
type Tasks struct {
	Total     int `json:"total"`
	Unchecked int `json:"unchecked"`
}

// Failure is the consecutive-failure counter with its triggering reason.
type Failure struct {
	Reason string `json:"reason,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// Attempt is one immutable history entry.
type Attempt struct {
	Iteration  int    `json:"iteration"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	RunResult  string `json:"run_result,omitempty"`
	PromptMode string `json:"prompt_mode,omitempty"`
	Gate       string `json:"gate,omitempty"`
	TasksDelta int    `json:"tasks_delta,omitempty"`
}

// AttemptedTask records a task text the engine already pointed the agent at.
type AttemptedTask struct {
	Text string `json:"text"`
	At   string `json:"at,omitempty"`
}

// Verification is the single-shot acceptance verification record.
type Verification struct {
	Status     string `json:"status,omitempty"`
	Iteration  int    `json:"iteration,omitempty"`
	LastResult string `json:"last_result,omitempty"`
}

// Timeout is the resolved workflow budget snapshot.
type Timeout struct {
	ResolvedMinutes int     `json:"resolved_minutes,omitempty"`
	Source          string  `json:"source,omitempty"`
	UsageRatio      float64 `json:"usage_ratio,omitempty"`
	Warning         bool    `json:"warning,omitempty"`
}

// Attention deduplicates human-notification side effects by fingerprint.
type Attention struct {
	Key string `json:"key,omitempty"`
}

// State is the typed view of the marker payload.
type State struct {
	Version   string `json:"version"`
	Trace     string `json:"trace,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	Round     int    `json:"round,omitempty"`
	Iteration int    `json:"iteration"`

	MaxIterations                int `json:"max_iterations,omitempty"`
	FailureThreshold             int `json:"failure_threshold,omitempty"`
	ProgressReviewThreshold      int `json:"progress_review_threshold,omitempty"`
	CompleteGateFailureRoundsMax int `json:"complete_gate_failure_rounds_max,omitempty"`

	LastAction     string  `json:"last_action,omitempty"`
	LastReason     string  `json:"last_reason,omitempty"`
	GateConclusion string  `json:"gate_conclusion,omitempty"`
	Tasks          Tasks   `json:"tasks"`
	Failure        Failure `json:"failure"`

	LastFilesChanged            int `json:"last_files_changed,omitempty"`
	PrevFilesChanged            int `json:"prev_files_changed,omitempty"`
	RoundsWithoutTaskCompletion int `json:"rounds_without_task_completion,omitempty"`
	CompleteGateFailureRounds   int `json:"complete_gate_failure_rounds,omitempty"`

	Attempts       []Attempt       `json:"attempts,omitempty"`
	AttemptedTasks []AttemptedTask `json:"attempted_tasks,omitempty"`
	Verification   Verification    `json:"verification"`

	Running      bool   `json:"running,omitempty"`
	RunningSince string `json:"running_since,omitempty"`
	CurrentFocus string `json:"current_focus,omitempty"`

	Timeout   Timeout   `json:"timeout"`
	Attention Attention `json:"attention"`

	UpdatedAt string `json:"updated_at,omitempty"`
}

// Snapshot is one loaded marker: the typed view, the exact payload, and the
// comment hosting it.
type Snapshot struct {
	State     State
	Raw       map[string]any
	CommentID int64
	Found     bool
}

// Store reads and writes the marker through the forge client.
type Store struct {
	client forge.Client
	logger *logx.Logger
	now    func() time.Time
}

func NewStore(client forge.Client) *Store {
	return &Store{
		client: client,
		logger: logx.NewLogger("state"),
		now:    time.Now,
	}
}

// Load scans comments newest-first and returns the latest marker for the
// trace. With an empty trace it falls back to the latest payload that looks
// like loop state. A neutral snapshot is returned when nothing matches.
func (s *Store) Load(ctx context.Context, prNumber int, trace string) (*Snapshot, error) {
	comments, err := s.client.ListComments(ctx, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for state load: %w", err)
	}

	for _, comment := range comments {
		payload, _, ok := ExtractMarker(comment.Body)
		if !ok {
			continue
		}
		if trace != "" {
			if payloadTrace, _ := payload["trace"].(string); payloadTrace != trace {
				continue
			}
		} else if !looksLikeLoopState(payload) {
			continue
		}
		st, err := FromPayload(payload)
		if err != nil {
			s.logger.Warn("skipping unreadable state marker in comment %d: %v", comment.ID, err)
			continue
		}
		return &Snapshot{State: st, Raw: payload, CommentID: comment.ID, Found: true}, nil
	}

	neutral := State{Version: Version, Trace: trace, PRNumber: prNumber}
	return &Snapshot{State: neutral, Raw: map[string]any{}, Found: false}, nil
}

// Save deep-merges updates into the prior payload and rewrites the marker.
// The hosting comment body is re-read immediately before writing so a
// concurrent edit is merged rather than clobbered. When no marker exists the
// summary comment hosts a fresh one, or a new comment is created.
func (s *Store) Save(ctx context.Context, prNumber int, trace string, updates map[string]any) (*Snapshot, error) {
	prior, err := s.Load(ctx, prNumber, trace)
	if err != nil {
		return nil, err
	}

	identity := map[string]any{
		"version":   Version,
		"pr_number": prNumber,
	}
	if trace != "" {
		identity["trace"] = trace
	}

	if prior.Found {
		fresh, err := s.client.GetComment(ctx, prior.CommentID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read state comment %d: %w", prior.CommentID, err)
		}
		payload, _, _ := ExtractMarker(fresh.Body)
		if payload == nil {
			payload = prior.Raw
		}
		merged := DeepMerge(payload, updates)
		merged = DeepMerge(merged, identity)
		merged["updated_at"] = s.now().UTC().Format(time.RFC3339)

		marker, err := FormatMarker(merged)
		if err != nil {
			return nil, err
		}
		newBody := UpsertMarker(fresh.Body, marker)
		if newBody != fresh.Body {
			if _, err := s.client.UpdateComment(ctx, prior.CommentID, newBody); err != nil {
				return nil, fmt.Errorf("failed to update state comment %d: %w", prior.CommentID, err)
			}
		}
		return s.snapshotFrom(merged, prior.CommentID)
	}

	merged := DeepMerge(map[string]any{}, updates)
	merged = DeepMerge(merged, identity)
	merged["updated_at"] = s.now().UTC().Format(time.RFC3339)

	marker, err := FormatMarker(merged)
	if err != nil {
		return nil, err
	}

	// Prefer hosting the marker in the existing summary comment.
	if host := s.findSummaryComment(ctx, prNumber); host != nil {
		newBody := UpsertMarker(host.Body, marker)
		if _, err := s.client.UpdateComment(ctx, host.ID, newBody); err != nil {
			return nil, fmt.Errorf("failed to attach state marker to summary comment: %w", err)
		}
		return s.snapshotFrom(merged, host.ID)
	}

	created, err := s.client.CreateComment(ctx, prNumber, marker)
	if err != nil {
		return nil, fmt.Errorf("failed to create state comment: %w", err)
	}
	s.logger.Info("📦 Created state comment %d for PR #%d", created.ID, prNumber)
	return s.snapshotFrom(merged, created.ID)
}

// Reset overwrites the marker with the minimal identity payload.
func (s *Store) Reset(ctx context.Context, prNumber int, trace string, round int) error {
	prior, err := s.Load(ctx, prNumber, trace)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"version":   Version,
		"trace":     trace,
		"round":     round,
		"pr_number": prNumber,
	}
	marker, err := FormatMarker(payload)
	if err != nil {
		return err
	}

	if prior.Found {
		fresh, err := s.client.GetComment(ctx, prior.CommentID)
		if err != nil {
			return fmt.Errorf("failed to re-read state comment %d: %w", prior.CommentID, err)
		}
		newBody := UpsertMarker(fresh.Body, marker)
		if newBody == fresh.Body {
			return nil
		}
		_, err = s.client.UpdateComment(ctx, prior.CommentID, newBody)
		return err
	}

	_, err = s.client.CreateComment(ctx, prNumber, marker)
	return err
}

func (s *Store) snapshotFrom(payload map[string]any, commentID int64) (*Snapshot, error) {
	st, err := FromPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Snapshot{State: st, Raw: payload, CommentID: commentID, Found: true}, nil
}

func (s *Store) findSummaryComment(ctx context.Context, prNumber int) *forge.Comment {
	comments, err := s.client.ListComments(ctx, prNumber)
	if err != nil {
		return nil
	}
	for i := range comments {
		if IsSummaryComment(comments[i].Body) {
			return &comments[i]
		}
	}
	return nil
}

// looksLikeLoopState reports whether a payload carries loop-state shape:
// any of the iteration/tasks/verification fields.
func looksLikeLoopState(payload map[string]any) bool {
	for _, key := range []string{"iteration", "tasks", "verification"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}

// AppendAttempt appends to the bounded attempt history, newest last.
func AppendAttempt(prior []Attempt, entry Attempt) []Attempt {
	out := append(append([]Attempt{}, prior...), entry)
	if len(out) > MaxAttempts {
		out = out[len(out)-MaxAttempts:]
	}
	return out
}

// AppendAttemptedTask records a task the agent was pointed at, deduplicating
// by text and keeping the newest entries.
func AppendAttemptedTask(prior []AttemptedTask, text string, at time.Time) []AttemptedTask {
	out := make([]AttemptedTask, 0, len(prior)+1)
	for _, task := range prior {
		if task.Text != text {
			out = append(out, task)
		}
	}
	out = append(out, AttemptedTask{Text: text, At: at.UTC().Format(time.RFC3339)})
	if len(out) > MaxAttemptedTasks {
		out = out[len(out)-MaxAttemptedTasks:]
	}
	return out
}

// ClearRunning returns updates that clear the transient running fields.
// Merge semantics replace primitives, so the zero values must be explicit.
func ClearRunning() map[string]any {
	return map[string]any{
		"running":       false,
		"running_since": "",
		"current_focus": "",
	}
}
