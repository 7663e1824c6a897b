package reconcile

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"keepalive/pkg/forge"
)

// Grade is the confidence that a task was completed by the commit range.
type Grade string

const (
	GradeHigh   Grade = "high"
	GradeMedium Grade = "medium"
	GradeLow    Grade = "low"
)

// Overlap thresholds for the grading table.
const (
	overlapHighAny  = 0.35
	overlapHighFile = 0.25
	overlapMedium   = 0.20
	minTokenLen     = 3
)

// synonymGroups fold task verbs into the group's first word, so "create" in
// a commit and "add" in a task count as the same token.
var synonymGroups = [][]string{
	{"add", "create", "implement"},
	{"fix", "repair", "resolve"},
	{"test", "tests", "testing", "spec"},
	{"doc", "docs", "documentation", "readme"},
	{"remove", "delete", "drop"},
	{"update", "upgrade", "bump"},
	{"refactor", "rework", "restructure"},
	{"config", "configuration", "settings"},
}

var synonyms = func() map[string]string {
	m := make(map[string]string)
	for _, group := range synonymGroups {
		for _, word := range group {
			m[word] = group[0]
		}
	}
	return m
}()

var (
	wordRe      = regexp.MustCompile(`[A-Za-z0-9]+`)
	backtickRe  = regexp.MustCompile("`([^`\n]+)`")
	issueTaskRe = regexp.MustCompile(`(?i)^(?:fix(?:es)?|close[sd]?|resolve[sd]?)?\s*#(\d+)[.:\s]*$`)
)

// Tokenize splits text into canonical lowercase tokens: camelCase words are
// split, short tokens dropped, synonyms folded, duplicates removed.
func Tokenize(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range wordRe.FindAllString(text, -1) {
		for _, part := range splitCamel(raw) {
			tok := strings.ToLower(part)
			if len(tok) < minTokenLen {
				continue
			}
			if canon, ok := synonyms[tok]; ok {
				tok = canon
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

// splitCamel cuts a word before each upper-case rune that follows a
// lower-case rune or digit. "RetryBudget" becomes ["Retry", "Budget"].
func splitCamel(word string) []string {
	var parts []string
	start := 0
	runes := []rune(word)
	for i := 1; i < len(runes); i++ {
		if unicode.IsUpper(runes[i]) && !unicode.IsUpper(runes[i-1]) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	parts = append(parts, string(runes[start:]))
	return parts
}

// Evidence is the commit-range context tasks are graded against.
type Evidence struct {
	BaseSHA string
	HeadSHA string
	Title   string
	Branch  string
	Commits []forge.Commit
	Files   []forge.CommitFile
}

// TaskMatch is one graded unchecked task.
type TaskMatch struct {
	Task    string  `json:"task"`
	Grade   Grade   `json:"grade"`
	Overlap float64 `json:"overlap"`
	Signal  string  `json:"signal,omitempty"`
}

// Grader caches the evidence token sets for a batch of tasks.
type Grader struct {
	ev         Evidence
	fileToks   map[string]struct{}
	commitToks map[string]struct{}
	issueText  string
}

func NewGrader(ev Evidence) *Grader {
	g := &Grader{
		ev:         ev,
		fileToks:   make(map[string]struct{}),
		commitToks: make(map[string]struct{}),
	}
	for _, f := range ev.Files {
		for _, tok := range Tokenize(f.Filename) {
			g.fileToks[tok] = struct{}{}
		}
	}
	var issue strings.Builder
	issue.WriteString(ev.Title + "\n" + ev.Branch + "\n")
	for _, c := range ev.Commits {
		for _, tok := range Tokenize(c.Message) {
			g.commitToks[tok] = struct{}{}
		}
		issue.WriteString(c.Message + "\n")
	}
	for _, f := range ev.Files {
		issue.WriteString(f.Filename + "\n")
		issue.WriteString(f.Patch + "\n")
	}
	g.issueText = issue.String()
	return g
}

// GradeAll grades every task in order.
func (g *Grader) GradeAll(tasks []string) []TaskMatch {
	out := make([]TaskMatch, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, g.GradeTask(task))
	}
	return out
}

// GradeTask grades one unchecked task. Special signals (named file, test
// module, issue reference) decide before token overlap gets a say; a task
// that is nothing but a file or issue reference is graded purely on that
// reference, so an unrelated change set cannot elevate it.
func (g *Grader) GradeTask(task string) TaskMatch {
	m := TaskMatch{Task: task, Grade: GradeLow}

	if file, ok := backtickFileMatch(task, g.ev.Files); ok {
		m.Grade = GradeHigh
		m.Signal = "changed file `" + file + "` named in task"
		m.Overlap = 1
		return m
	}
	if ref, only := referenceOnlyTask(task); only {
		m.Signal = ref + " not among the changes"
		return m
	}
	if num, ok := issueRef(task); ok {
		if g.issueMentioned(num) {
			m.Grade = GradeHigh
			m.Signal = "issue #" + num + " referenced in the range"
			m.Overlap = 1
		} else {
			m.Signal = "issue #" + num + " not referenced"
		}
		return m
	}
	if file, ok := testModuleMatch(task, g.ev.Files); ok {
		m.Grade = GradeHigh
		m.Signal = "matching test file " + file + " changed"
		m.Overlap = 1
		return m
	}

	tokens := Tokenize(task)
	if len(tokens) == 0 {
		return m
	}
	matched, fileHits := 0, 0
	for _, tok := range tokens {
		_, inFiles := g.fileToks[tok]
		_, inCommits := g.commitToks[tok]
		if inFiles {
			fileHits++
		}
		if inFiles || inCommits {
			matched++
		}
	}
	m.Overlap = float64(matched) / float64(len(tokens))

	switch {
	case m.Overlap >= overlapHighAny && matched > 0:
		m.Grade = GradeHigh
		m.Signal = "strong token overlap"
	case m.Overlap >= overlapHighFile && fileHits > 0:
		m.Grade = GradeHigh
		m.Signal = "token overlap with changed files"
	case m.Overlap >= overlapMedium || fileHits > 0:
		m.Grade = GradeMedium
		m.Signal = "partial overlap"
	}
	return m
}

// backtickFileMatch looks for a backtick-quoted path in the task that names
// one of the changed files.
func backtickFileMatch(task string, files []forge.CommitFile) (string, bool) {
	for _, m := range backtickRe.FindAllStringSubmatch(task, -1) {
		ref := strings.TrimSpace(m[1])
		if !looksLikePath(ref) {
			continue
		}
		for _, f := range files {
			if pathMatches(ref, f.Filename) {
				return f.Filename, true
			}
		}
	}
	return "", false
}

func looksLikePath(ref string) bool {
	if ref == "" || strings.ContainsAny(ref, " \t") {
		return false
	}
	return strings.ContainsAny(ref, "./")
}

// pathMatches accepts exact paths, path suffixes on a directory boundary,
// and bare file names.
func pathMatches(ref, filename string) bool {
	if ref == filename || strings.HasSuffix(filename, "/"+ref) {
		return true
	}
	return !strings.Contains(ref, "/") && path.Base(filename) == ref
}

// referenceOnlyTask reports whether the task text is nothing but a file
// reference. Such tasks are graded on the reference alone.
func referenceOnlyTask(task string) (string, bool) {
	refs := backtickRe.FindAllStringSubmatch(task, -1)
	if len(refs) == 0 || !looksLikePath(strings.TrimSpace(refs[0][1])) {
		return "", false
	}
	stripped := backtickRe.ReplaceAllString(task, "")
	stripped = strings.Trim(stripped, " \t-*:.,")
	if strings.TrimSpace(stripped) != "" {
		return "", false
	}
	return "`" + strings.TrimSpace(refs[0][1]) + "`", true
}

func issueRef(task string) (string, bool) {
	m := issueTaskRe.FindStringSubmatch(strings.TrimSpace(task))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// issueMentioned scans title, branch, commit messages, file names, and
// patches for the issue number.
func (g *Grader) issueMentioned(num string) bool {
	re := regexp.MustCompile(`(?:^|\D)` + regexp.QuoteMeta(num) + `(?:\D|$)`)
	return re.MatchString(g.issueText)
}

// testModuleMatch pairs a test-flavoured task with a changed test file for
// one of the modules the task names.
func testModuleMatch(task string, files []forge.CommitFile) (string, bool) {
	isTest := false
	var modules []string
	for _, tok := range Tokenize(task) {
		if tok == "test" {
			isTest = true
			continue
		}
		modules = append(modules, tok)
	}
	if !isTest || len(modules) == 0 {
		return "", false
	}
	for _, f := range files {
		base := strings.ToLower(path.Base(f.Filename))
		stem := strings.TrimSuffix(base, path.Ext(base))
		for _, mod := range modules {
			if stem == "test_"+mod || stem == mod+"_test" {
				return f.Filename, true
			}
		}
	}
	return "", false
}
