package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgentsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadParsesAgentsFile(t *testing.T) {
	path := writeAgentsFile(t, `
agents:
  - name: claude
    display_name: Claude Code
    command: ["claude", "-p", "--verbose"]
    env:
      CLAUDE_DISABLE_TELEMETRY: "1"
  - name: mybot
    label: agent:custom
    command: ["mybot", "run"]
`)

	reg, err := Load(path)
	require.NoError(t, err)

	claude, ok := reg.ByName("claude")
	require.True(t, ok)
	assert.Equal(t, "Claude Code", claude.DisplayName)
	assert.Equal(t, "agent:claude", claude.Label, "label defaults to agent:<name>")
	assert.Equal(t, []string{"claude", "-p", "--verbose"}, claude.Command)
	assert.Equal(t, "1", claude.Env["CLAUDE_DISABLE_TELEMETRY"])

	custom, ok := reg.ByLabel("agent:custom")
	require.True(t, ok)
	assert.Equal(t, "mybot", custom.Name)
	assert.Equal(t, "Mybot", custom.DisplayName, "display name defaults to the capitalised slug")

	assert.Equal(t, []string{"claude", "mybot"}, reg.Names())
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeAgentsFile(t, `
agents:
  - name: claude
    command: ["claude"]
  - name: Claude
    command: ["claude2"]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestLoadRejectsMissingCommand(t *testing.T) {
	path := writeAgentsFile(t, `
agents:
  - name: claude
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runner command")
}

func TestLoadRejectsNonSlugName(t *testing.T) {
	path := writeAgentsFile(t, `
agents:
  - name: "My Agent"
    command: ["run"]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a lowercase slug")
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	path := writeAgentsFile(t, "agents: []\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defines no agents")
}

func TestLoadOrDefaultFallsBackWhenAbsent(t *testing.T) {
	reg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"claude", "codex", "copilot", "gemini", "aider"}, reg.Names())

	codex, ok := reg.ByLabel("agent:codex")
	require.True(t, ok)
	assert.Equal(t, "Codex", codex.DisplayName)
}

func TestLoadOrDefaultReportsBrokenFile(t *testing.T) {
	path := writeAgentsFile(t, "agents: [whoops")

	_, err := LoadOrDefault(path)
	require.Error(t, err, "a broken file must not silently fall back to defaults")
}

func TestLoadOrDefaultHonorsEnvOverride(t *testing.T) {
	path := writeAgentsFile(t, `
agents:
  - name: solo
    command: ["solo"]
`)
	t.Setenv(EnvAgentsFile, path)

	reg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, reg.Names())
}

func TestSelectUsesIdentityLabelAndSkipsMeta(t *testing.T) {
	reg := Default()

	agent, ok := reg.Select([]string{"bug", "agent:retry", "agent:claude"})
	require.True(t, ok)
	assert.Equal(t, "claude", agent.Name)

	_, ok = reg.Select([]string{"bug", "enhancement"})
	assert.False(t, ok)

	_, ok = reg.Select([]string{"agent:unregistered"})
	assert.False(t, ok, "unknown identities surface as missing, not as a guessed command")
}

func TestArgvAppendsPrompt(t *testing.T) {
	a := Agent{Command: []string{"claude", "-p"}}

	assert.Equal(t, []string{"claude", "-p", "do the thing"}, a.Argv("do the thing"))
	assert.Equal(t, []string{"claude", "-p"}, a.Command, "building argv must not grow the shared command slice")
}

func TestEnvironOverlaysAgentEnv(t *testing.T) {
	t.Setenv("KEEPALIVE_REGISTRY_PROBE", "from-process")
	a := Agent{Name: "claude", Env: map[string]string{"AGENT_FLAG": "on"}}

	env := a.Environ()

	assert.Contains(t, env, "KEEPALIVE_REGISTRY_PROBE=from-process")
	assert.Contains(t, env, "AGENT_FLAG=on")
}
