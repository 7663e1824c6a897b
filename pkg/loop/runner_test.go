package loop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/engine"
	"keepalive/pkg/registry"
	"keepalive/pkg/testkit"
)

func shellAgent() registry.Agent {
	return registry.Agent{Name: "sh", Command: []string{"sh", "-c"}}
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	r := NewExecRunner("")
	res, err := r.Run(context.Background(), RunRequest{
		PRNumber: 7,
		Agent:    shellAgent(),
		Prompt:   "echo hello from the agent",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.RunSuccess, res.Result)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello from the agent")
	assert.False(t, res.Detached)
}

func TestExecRunnerReportsNonZeroExitAsFailure(t *testing.T) {
	r := NewExecRunner("")
	res, err := r.Run(context.Background(), RunRequest{
		PRNumber: 7,
		Agent:    shellAgent(),
		Prompt:   "echo boom >&2; exit 3",
	})
	require.NoError(t, err, "agent failure is a result, not an error")
	assert.Equal(t, engine.RunFailure, res.Result)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "boom")
}

func TestExecRunnerTimeoutClassifiesTransient(t *testing.T) {
	r := NewExecRunner("")
	res, err := r.Run(context.Background(), RunRequest{
		PRNumber: 7,
		Agent:    shellAgent(),
		Prompt:   "sleep 5",
		Timeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.RunFailure, res.Result)
	assert.Contains(t, res.Output, "context deadline exceeded")

	oc := engine.ClassifyRun(res.Result, res.ExitCode, res.Output)
	assert.True(t, oc.Transient)
	assert.Equal(t, engine.KindNetwork, oc.Kind)
}

func TestExecRunnerRejectsAgentWithoutCommand(t *testing.T) {
	r := NewExecRunner("")
	_, err := r.Run(context.Background(), RunRequest{
		PRNumber: 7,
		Agent:    registry.Agent{Name: "ghost"},
		Prompt:   "do something",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runner command")
}

func TestExecRunnerRejectsMissingWorkDir(t *testing.T) {
	r := NewExecRunner("/does/not/exist")
	_, err := r.Run(context.Background(), RunRequest{
		PRNumber: 7,
		Agent:    shellAgent(),
		Prompt:   "true",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working directory")
}

func TestExecRunnerRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewExecRunner(dir)
	res, err := r.Run(context.Background(), RunRequest{
		PRNumber: 7,
		Agent:    shellAgent(),
		Prompt:   "pwd",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.RunSuccess, res.Result)
	assert.Contains(t, res.Output, dir)
}

func TestDispatchRunnerHandsOff(t *testing.T) {
	f := testkit.NewFakeForge()
	r := NewDispatchRunner(f, "keepalive-agent.yml", "main")
	assert.Equal(t, "dispatch", r.Name())

	res, err := r.Run(context.Background(), RunRequest{
		PRNumber:  7,
		Trace:     "seedtrace1234",
		Iteration: 2,
		Agent:     registry.Agent{Name: "codex", Label: "agent:codex"},
		Prompt:    "this prompt stays local",
		Mode:      "normal",
	})
	require.NoError(t, err)
	assert.True(t, res.Detached)
	assert.Equal(t, engine.RunSkipped, res.Result)

	require.Len(t, f.Dispatches, 1)
	d := f.Dispatches[0]
	assert.Equal(t, "keepalive-agent.yml", d.File)
	assert.Equal(t, "main", d.Ref)
	assert.Equal(t, "7", d.Inputs["pr_number"])
	assert.Equal(t, "codex", d.Inputs["agent"])
	assert.Equal(t, "seedtrace1234", d.Inputs["trace"])
	assert.Equal(t, "2", d.Inputs["iteration"])
	assert.NotContains(t, d.Inputs, "prompt", "the dispatched workflow re-derives the prompt")
}

func TestDispatchRunnerPropagatesAPIError(t *testing.T) {
	f := testkit.NewFakeForge()
	f.Errs["DispatchWorkflow"] = assert.AnError
	r := NewDispatchRunner(f, "keepalive-agent.yml", "main")

	_, err := r.Run(context.Background(), RunRequest{PRNumber: 7, Agent: registry.Agent{Name: "codex"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keepalive-agent.yml")
}

func TestTailKeepsSuffix(t *testing.T) {
	long := strings.Repeat("x", 100) + "the end matters"
	assert.Equal(t, "the end matters", tail(long, len("the end matters")))
	assert.Equal(t, "short", tail("short", 100))
}
