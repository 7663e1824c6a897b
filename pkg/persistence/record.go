package persistence

// Run result values for IterationRecord.RunResult.
const (
	RunSuccess = "success"
	RunFailure = "failure"
)

// IterationRecord is one archived loop iteration. Timestamps are UTC
// RFC 3339 strings; RecordedAt is filled by the database on insert.
type IterationRecord struct {
	ID             int64  `json:"id,omitempty"`
	Trace          string `json:"trace,omitempty"`
	PRNumber       int    `json:"pr_number"`
	Iteration      int    `json:"iteration"`
	Agent          string `json:"agent,omitempty"`
	Action         string `json:"action"`
	Reason         string `json:"reason,omitempty"`
	PromptMode     string `json:"prompt_mode,omitempty"`
	RunResult      string `json:"run_result,omitempty"` // empty when the iteration did not run the agent
	ErrorCategory  string `json:"error_category,omitempty"`
	GateConclusion string `json:"gate_conclusion,omitempty"`
	HeadSHA        string `json:"head_sha,omitempty"`
	TasksTotal     int    `json:"tasks_total"`
	TasksUnchecked int    `json:"tasks_unchecked"`
	TasksTicked    int    `json:"tasks_ticked,omitempty"`
	Commits        int    `json:"commits,omitempty"`
	FilesChanged   int    `json:"files_changed,omitempty"`
	DurationMS     int64  `json:"duration_ms,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	RecordedAt     string `json:"recorded_at,omitempty"`
}

// Ran reports whether the archived iteration invoked the agent runner.
func (r *IterationRecord) Ran() bool {
	return r.RunResult != ""
}
