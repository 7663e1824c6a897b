package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"keepalive/pkg/logx"
)

// EnvMetricsPath names the NDJSON metrics file.
const EnvMetricsPath = "KEEPALIVE_METRICS_PATH"

// IterationRecord is one NDJSON line in the metrics file, one per iteration.
type IterationRecord struct {
	PRNumber      int    `json:"pr_number"`
	Iteration     int    `json:"iteration"`
	Timestamp     string `json:"timestamp"`
	Action        string `json:"action"`
	ErrorCategory string `json:"error_category,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	TasksTotal    int    `json:"tasks_total"`
	TasksComplete int    `json:"tasks_complete"`
}

// FileEmitter appends iteration records to an NDJSON file under a file lock,
// so concurrent loops for different PRs on one runner interleave whole lines.
type FileEmitter struct {
	path   string
	logger *logx.Logger
}

// NewFileEmitter creates an emitter for the given path. An empty path
// disables emission (Append becomes a no-op).
func NewFileEmitter(path string) *FileEmitter {
	return &FileEmitter{
		path:   path,
		logger: logx.NewLogger("metrics"),
	}
}

// NewFileEmitterFromEnv reads EnvMetricsPath.
func NewFileEmitterFromEnv() *FileEmitter {
	return NewFileEmitter(os.Getenv(EnvMetricsPath))
}

// Enabled reports whether a metrics path is configured.
func (e *FileEmitter) Enabled() bool {
	return e.path != ""
}

// Path returns the configured metrics file path.
func (e *FileEmitter) Path() string {
	return e.path
}

// Append writes one record as a single NDJSON line. Failures are returned but
// callers treat them as non-fatal: metrics never block the loop.
func (e *FileEmitter) Append(record IterationRecord) error {
	if e.path == "" {
		return nil
	}
	if record.Timestamp == "" {
		record.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal metrics record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	lock := flock.New(e.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock metrics file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("unlock metrics file: %v", err)
		}
	}()

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append metrics record: %w", err)
	}
	return nil
}

// ReadAll parses every record in the file. Malformed lines are skipped with a
// warning rather than failing the read; the file may span many loop versions.
func (e *FileEmitter) ReadAll() ([]IterationRecord, error) {
	if e.path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metrics file: %w", err)
	}

	var out []IterationRecord
	for _, line := range splitLines(raw) {
		if len(line) == 0 {
			continue
		}
		var record IterationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			e.logger.Warn("skipping malformed metrics line: %v", err)
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}
