package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultRecentLimit = 20

// RecordIteration appends one iteration row and fills in the assigned ID.
// StartedAt defaults to now when the caller left it empty.
func (a *Archive) RecordIteration(rec *IterationRecord) error {
	if a == nil || a.db == nil || rec == nil {
		return nil
	}
	if rec.StartedAt == "" {
		rec.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}

	query := `
		INSERT INTO iterations (
			trace, pr_number, iteration, agent, action, reason, prompt_mode,
			run_result, error_category, gate_conclusion, head_sha,
			tasks_total, tasks_unchecked, tasks_ticked, commits, files_changed,
			duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := a.db.Exec(query,
		rec.Trace, rec.PRNumber, rec.Iteration, rec.Agent,
		rec.Action, rec.Reason, rec.PromptMode,
		rec.RunResult, rec.ErrorCategory, rec.GateConclusion, rec.HeadSHA,
		rec.TasksTotal, rec.TasksUnchecked, rec.TasksTicked, rec.Commits, rec.FilesChanged,
		rec.DurationMS, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record iteration for PR #%d: %w", rec.PRNumber, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// RecentIterations returns the newest archived rows for a PR, most recent
// first. A limit of 0 or less uses the default of 20.
func (a *Archive) RecentIterations(prNumber, limit int) ([]*IterationRecord, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	query := `
		SELECT id, trace, pr_number, iteration, agent, action, reason, prompt_mode,
			run_result, error_category, gate_conclusion, head_sha,
			tasks_total, tasks_unchecked, tasks_ticked, commits, files_changed,
			duration_ms, started_at, recorded_at
		FROM iterations
		WHERE pr_number = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := a.db.Query(query, prNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations for PR #%d: %w", prNumber, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*IterationRecord
	for rows.Next() {
		var rec IterationRecord
		err := rows.Scan(&rec.ID, &rec.Trace, &rec.PRNumber, &rec.Iteration, &rec.Agent,
			&rec.Action, &rec.Reason, &rec.PromptMode,
			&rec.RunResult, &rec.ErrorCategory, &rec.GateConclusion, &rec.HeadSHA,
			&rec.TasksTotal, &rec.TasksUnchecked, &rec.TasksTicked, &rec.Commits, &rec.FilesChanged,
			&rec.DurationMS, &rec.StartedAt, &rec.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan iteration row: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read iteration rows: %w", err)
	}
	return out, nil
}

// PRStats summarises the archived history of one PR.
type PRStats struct {
	PRNumber      int    `json:"pr_number"`
	Iterations    int    `json:"iterations"`
	Runs          int    `json:"runs"`
	Failures      int    `json:"failures"`
	TasksTicked   int    `json:"tasks_ticked"`
	AvgDurationMS int64  `json:"avg_duration_ms"`
	FirstRecorded string `json:"first_recorded,omitempty"`
	LastRecorded  string `json:"last_recorded,omitempty"`
	LastAction    string `json:"last_action,omitempty"`
	LastReason    string `json:"last_reason,omitempty"`
}

// Stats aggregates the archived rows for a PR. A PR with no history yields
// zero counts, not an error.
func (a *Archive) Stats(prNumber int) (*PRStats, error) {
	stats := &PRStats{PRNumber: prNumber}
	if a == nil || a.db == nil {
		return stats, nil
	}

	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN run_result <> '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN run_result = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tasks_ticked), 0),
			COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0),
			COALESCE(MIN(recorded_at), ''),
			COALESCE(MAX(recorded_at), '')
		FROM iterations
		WHERE pr_number = ?
	`
	err := a.db.QueryRow(query, RunFailure, prNumber).Scan(
		&stats.Iterations, &stats.Runs, &stats.Failures, &stats.TasksTicked,
		&stats.AvgDurationMS, &stats.FirstRecorded, &stats.LastRecorded)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate iterations for PR #%d: %w", prNumber, err)
	}

	err = a.db.QueryRow(
		"SELECT action, reason FROM iterations WHERE pr_number = ? ORDER BY id DESC LIMIT 1",
		prNumber,
	).Scan(&stats.LastAction, &stats.LastReason)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last iteration for PR #%d: %w", prNumber, err)
	}

	return stats, nil
}

// ActionCount is one row of the per-action breakdown.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// ActionBreakdown counts archived iterations per decision action, most
// frequent first.
func (a *Archive) ActionBreakdown(prNumber int) ([]ActionCount, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}

	rows, err := a.db.Query(`
		SELECT action, COUNT(*)
		FROM iterations
		WHERE pr_number = ?
		GROUP BY action
		ORDER BY COUNT(*) DESC, action
	`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions for PR #%d: %w", prNumber, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActionCount
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Count); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		out = append(out, ac)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read action counts: %w", err)
	}
	return out, nil
}

// PruneBefore deletes rows recorded before the cutoff and reports how many
// went. recorded_at carries uniform millisecond UTC timestamps, so the
// lexicographic comparison is chronological.
func (a *Archive) PruneBefore(cutoff time.Time) (int64, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}

	res, err := a.db.Exec("DELETE FROM iterations WHERE recorded_at < ?",
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune iterations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return n, nil
}
