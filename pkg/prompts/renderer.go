package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Data holds the context injected into prompt templates.
type Data struct {
	Repo                  string         `json:"repo,omitempty"`
	PRNumber              int            `json:"pr_number"`
	PRTitle               string         `json:"pr_title,omitempty"`
	Branch                string         `json:"branch,omitempty"`
	Iteration             int            `json:"iteration"`
	MaxIterations         int            `json:"max_iterations"`
	TasksTotal            int            `json:"tasks_total"`
	TasksUnchecked        int            `json:"tasks_unchecked"`
	TaskList              string         `json:"task_list,omitempty"`
	Acceptance            string         `json:"acceptance,omitempty"`
	SourceAppendix        string         `json:"source_appendix,omitempty"`
	GateConclusion        string         `json:"gate_conclusion,omitempty"`
	FailureReason         string         `json:"failure_reason,omitempty"`
	ConflictFiles         []string       `json:"conflict_files,omitempty"`
	AttemptedTasks        []string       `json:"attempted_tasks,omitempty"`
	RoundsWithoutProgress int            `json:"rounds_without_progress,omitempty"`
	TimeoutWarning        string         `json:"timeout_warning,omitempty"`
	Extra                 map[string]any `json:"extra,omitempty"`
}

// Renderer renders the embedded prompt templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer loads and parses every embedded prompt template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}

	names := []string{
		FileNextTask,
		FileFixCI,
		FileVerifyAcceptance,
		FileFixConflicts,
		FileProgressReview,
	}
	for _, name := range names {
		content, err := templateFS.ReadFile(name + ".tpl.md")
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render executes the template a route resolved to. Unknown identifiers are
// tried as files on disk (prompt_file overrides); scenario variants without a
// matching file fall back to their base template.
func (r *Renderer) Render(route Route, data *Data) (string, error) {
	if data == nil {
		data = &Data{}
	}

	if tmpl, ok := r.templates[route.File]; ok {
		return execute(tmpl, data)
	}

	if content, err := os.ReadFile(route.File); err == nil {
		tmpl, err := template.New(route.File).Parse(string(content))
		if err != nil {
			return "", fmt.Errorf("failed to parse template %s: %w", route.File, err)
		}
		return execute(tmpl, data)
	}

	if i := strings.LastIndex(route.File, "/"); i >= 0 {
		if tmpl, ok := r.templates[route.File[i+1:]]; ok {
			return execute(tmpl, data)
		}
	}

	return "", fmt.Errorf("prompt template %s not found", route.File)
}

// Available returns the embedded template identifiers, sorted.
func (r *Renderer) Available() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func execute(tmpl *template.Template, data *Data) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
