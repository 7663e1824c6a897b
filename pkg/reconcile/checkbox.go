package reconcile

import (
	"regexp"
	"strings"
)

// TickTasks checks off the named tasks in body, first occurrence each.
// Returns the new body, the tasks actually ticked, and the tasks whose
// checkbox line could not be found. A miss leaves the body byte-identical
// for that task; substitution is all-or-nothing per task.
func TickTasks(body string, tasks []string) (string, []string, []string) {
	var ticked, missing []string
	for _, task := range tasks {
		re := checkboxPattern(task)
		if re == nil {
			missing = append(missing, task)
			continue
		}
		loc := re.FindStringIndex(body)
		if loc == nil {
			missing = append(missing, task)
			continue
		}
		line := body[loc[0]:loc[1]]
		body = body[:loc[0]] + re.ReplaceAllString(line, "${pre}[x]${post}") + body[loc[1]:]
		ticked = append(ticked, task)
	}
	return body, ticked, missing
}

// checkboxPattern matches the unchecked checkbox line carrying the task
// text. The task is matched literally with whitespace runs relaxed, so
// wrapping differences between the plan and the body do not break the tick.
func checkboxPattern(task string) *regexp.Regexp {
	fields := strings.Fields(task)
	if len(fields) == 0 {
		return nil
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = regexp.QuoteMeta(f)
	}
	quoted := strings.Join(parts, `\s+`)
	return regexp.MustCompile(`(?m)^(?P<pre>\s*(?:[-*+]|\d+[.)])\s+)\[ \](?P<post>\s*` + quoted + `\s*)$`)
}

// NormalizeTaskKey collapses a task text for deduplication.
func NormalizeTaskKey(task string) string {
	return strings.ToLower(strings.Join(strings.Fields(task), " "))
}
