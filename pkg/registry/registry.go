// Package registry loads the agent definitions that map identity labels to
// runner commands. The agents file is YAML:
//
//	agents:
//	  - name: claude
//	    display_name: Claude
//	    label: agent:claude
//	    command: ["claude", "-p"]
//	    env:
//	      CLAUDE_DISABLE_TELEMETRY: "1"
//
// Only name and command are required; label defaults to agent:<name>.
package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"keepalive/pkg/engine"
)

// DefaultPath is where the loop looks for agent definitions when
// KEEPALIVE_AGENTS_FILE is unset.
const DefaultPath = ".keepalive/agents.yaml"

// EnvAgentsFile overrides the agents file location.
const EnvAgentsFile = "KEEPALIVE_AGENTS_FILE"

// Agent is one runnable identity. Label selects it on a PR; Command is the
// argv prefix the runner completes with the rendered prompt.
type Agent struct {
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Label       string            `yaml:"label,omitempty" json:"label,omitempty"`
	Command     []string          `yaml:"command" json:"command"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Argv returns the full runner command with the prompt appended.
func (a *Agent) Argv(prompt string) []string {
	return append(append([]string(nil), a.Command...), prompt)
}

// Environ returns the process environment with the agent's env overlaid.
// Later entries win on duplicate keys, so the overlay takes effect.
func (a *Agent) Environ() []string {
	env := os.Environ()
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}
	return env
}

type agentsFile struct {
	Agents []Agent `yaml:"agents"`
}

// Registry resolves agents by name or identity label.
type Registry struct {
	agents  []Agent
	byName  map[string]*Agent
	byLabel map[string]*Agent
}

// Agent names double as label suffixes, so they are restricted to flat
// lowercase slugs.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Load reads and validates an agents file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s defines no agents", path)
	}

	return newRegistry(file.Agents)
}

// LoadOrDefault loads the agents file when one exists and falls back to the
// built-in set otherwise. Only absence falls back: an unreadable or invalid
// file is an error, because silently ignoring a broken file would run the
// wrong command.
func LoadOrDefault(path string) (*Registry, error) {
	if path == "" {
		path = os.Getenv(EnvAgentsFile)
	}
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Default returns the built-in registry covering the stock coding agents.
func Default() *Registry {
	reg, err := newRegistry([]Agent{
		{Name: "claude", Command: []string{"claude", "-p"}},
		{Name: "codex", Command: []string{"codex", "exec"}},
		{Name: "copilot", Command: []string{"copilot", "-p"}},
		{Name: "gemini", Command: []string{"gemini", "-p"}},
		{Name: "aider", Command: []string{"aider", "--message"}},
	})
	if err != nil {
		panic(err) // the built-in set is static
	}
	return reg
}

func newRegistry(agents []Agent) (*Registry, error) {
	reg := &Registry{
		agents:  agents,
		byName:  make(map[string]*Agent, len(agents)),
		byLabel: make(map[string]*Agent, len(agents)),
	}

	for i := range reg.agents {
		a := &reg.agents[i]
		a.Name = strings.ToLower(strings.TrimSpace(a.Name))
		if a.Name == "" {
			return nil, fmt.Errorf("agent %d has no name", i+1)
		}
		if !nameRe.MatchString(a.Name) {
			return nil, fmt.Errorf("agent name %q is not a lowercase slug", a.Name)
		}
		if len(a.Command) == 0 {
			return nil, fmt.Errorf("agent %q has no runner command", a.Name)
		}
		if a.DisplayName == "" {
			a.DisplayName = strings.ToUpper(a.Name[:1]) + a.Name[1:]
		}
		if a.Label == "" {
			a.Label = engine.LabelAgentPrefix + a.Name
		}
		if _, dup := reg.byName[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", a.Name)
		}
		if _, dup := reg.byLabel[a.Label]; dup {
			return nil, fmt.Errorf("duplicate agent label %q", a.Label)
		}
		reg.byName[a.Name] = a
		reg.byLabel[a.Label] = a
	}

	return reg, nil
}

// ByName returns the agent with the given name.
func (r *Registry) ByName(name string) (*Agent, bool) {
	a, ok := r.byName[strings.ToLower(name)]
	return a, ok
}

// ByLabel returns the agent selected by an identity label.
func (r *Registry) ByLabel(label string) (*Agent, bool) {
	a, ok := r.byLabel[label]
	return a, ok
}

// Select resolves a PR's label set to its agent. An identity label without
// a registry row returns false; the loop reports it rather than guessing a
// command.
func (r *Registry) Select(labels []string) (*Agent, bool) {
	label := engine.AgentLabel(labels)
	if label == "" {
		return nil, false
	}
	return r.ByLabel(label)
}

// Names lists agent names in file order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for i := range r.agents {
		names = append(names, r.agents[i].Name)
	}
	return names
}

// Agents returns a copy of the agent definitions in file order.
func (r *Registry) Agents() []Agent {
	return append([]Agent(nil), r.agents...)
}
