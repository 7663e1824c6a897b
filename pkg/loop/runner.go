package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"keepalive/pkg/engine"
	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
	"keepalive/pkg/registry"
)

// RunRequest carries everything one runner invocation needs.
type RunRequest struct {
	PRNumber  int
	Trace     string
	Iteration int
	Agent     registry.Agent
	Prompt    string
	Mode      string
	// Timeout bounds the invocation; zero means unbounded.
	Timeout time.Duration
}

// RunResult is the raw runner outcome, before failure classification.
type RunResult struct {
	Result   string // success | failure | skipped
	ExitCode int
	Output   string
	Duration time.Duration

	// Detached marks a hand-off: the agent was started elsewhere and this
	// invocation will not see its output.
	Detached bool
}

// Runner invokes the agent once. Agent failures are reported in the result;
// an error means the invocation itself could not happen.
type Runner interface {
	Name() string
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// maxCapturedOutput bounds captured agent output. The tail is kept: stall
// questions and error messages land at the end, and that is what the
// failure classifier scans.
const maxCapturedOutput = 256 * 1024

// ExecRunner runs the agent as a local subprocess and waits for it.
type ExecRunner struct {
	// WorkDir is the working directory for the agent process. Empty means
	// the current directory.
	WorkDir string

	logger *logx.Logger
}

func NewExecRunner(workDir string) *ExecRunner {
	return &ExecRunner{WorkDir: workDir, logger: logx.NewLogger("runner")}
}

func (r *ExecRunner) Name() string { return "exec" }

// Run executes the agent command with the prompt as its final argument and
// captures interleaved stdout/stderr. A non-zero exit is a failure result,
// not an error; the caller classifies it.
func (r *ExecRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if len(req.Agent.Command) == 0 {
		return RunResult{}, fmt.Errorf("agent %s has no runner command", req.Agent.Name)
	}
	argv := req.Agent.Argv(req.Prompt)
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = req.Agent.Environ()
	if r.WorkDir != "" {
		if _, err := os.Stat(r.WorkDir); err != nil {
			return RunResult{}, fmt.Errorf("runner working directory %s: %w", r.WorkDir, err)
		}
		cmd.Dir = r.WorkDir
	}

	var buf strings.Builder
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	r.logger.Info("🤖 Invoking %s for PR #%d (iteration %d, mode %s)",
		req.Agent.Name, req.PRNumber, req.Iteration, req.Mode)

	start := time.Now()
	err := cmd.Run()
	res := RunResult{
		Result:   engine.RunSuccess,
		Output:   tail(buf.String(), maxCapturedOutput),
		Duration: time.Since(start),
	}
	if err != nil {
		res.Result = engine.RunFailure
		res.ExitCode = exitCode(err)
		if res.Output == "" {
			res.Output = err.Error()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The phrase routes the timeout into the transient bucket.
			res.Output += "\nagent run aborted: context deadline exceeded"
		}
		r.logger.Warn("Agent %s exited %d after %s", req.Agent.Name, res.ExitCode, res.Duration.Round(time.Second))
		return res, nil
	}
	r.logger.Info("✅ Agent %s finished in %s", req.Agent.Name, res.Duration.Round(time.Second))
	return res, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// DispatchRunner hands the run to a separate workflow via workflow_dispatch.
// The prompt is not forwarded: dispatch inputs are size-limited, and the
// agent workflow re-derives it from the same decision signals. The iteration
// records the hand-off; the next invocation observes the outcome.
type DispatchRunner struct {
	WorkflowFile string
	Ref          string

	client forge.Client
	logger *logx.Logger
}

func NewDispatchRunner(client forge.Client, workflowFile, ref string) *DispatchRunner {
	return &DispatchRunner{
		WorkflowFile: workflowFile,
		Ref:          ref,
		client:       client,
		logger:       logx.NewLogger("runner"),
	}
}

func (r *DispatchRunner) Name() string { return "dispatch" }

func (r *DispatchRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	start := time.Now()
	// workflow_dispatch inputs must be strings.
	inputs := map[string]any{
		"pr_number":   strconv.Itoa(req.PRNumber),
		"agent":       req.Agent.Name,
		"prompt_mode": req.Mode,
		"trace":       req.Trace,
		"iteration":   strconv.Itoa(req.Iteration),
	}
	if err := r.client.DispatchWorkflow(ctx, r.WorkflowFile, r.Ref, inputs); err != nil {
		return RunResult{}, fmt.Errorf("failed to dispatch %s for PR #%d: %w", r.WorkflowFile, req.PRNumber, err)
	}
	r.logger.Info("🚀 Dispatched %s on %s for PR #%d (agent %s)",
		r.WorkflowFile, r.Ref, req.PRNumber, req.Agent.Name)
	return RunResult{
		Result:   engine.RunSkipped,
		Output:   fmt.Sprintf("dispatched %s on %s", r.WorkflowFile, r.Ref),
		Duration: time.Since(start),
		Detached: true,
	}, nil
}
