// Package plan extracts the working plan from a pull-request body: scope,
// task checklist, acceptance criteria, linked sources, and the checkbox
// tally the decision engine keys off.
package plan

import (
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Tally counts checkbox state across the body.
type Tally struct {
	Total     int `json:"total"`
	Checked   int `json:"checked"`
	Unchecked int `json:"unchecked"`
}

// Item is a single checklist entry. Upgraded marks a plain bullet that was
// normalized into an unchecked checkbox.
type Item struct {
	Text     string
	Checked  bool
	Upgraded bool
	Line     int
}

// Section is one recognized plan section. Placeholder means the section
// existed but held only sentinel content, so it must not count as a plan.
type Section struct {
	Heading     string
	Items       []Item
	Raw         string
	Placeholder bool
}

// Plan is the parsed body.
type Plan struct {
	Scope      string
	Tasks      Section
	Acceptance Section
	Source     []string
	Checkboxes Tally
}

// HasTasks reports whether the body carries any real checklist work.
func (p *Plan) HasTasks() bool { return p.Checkboxes.Total > 0 }

// AllComplete reports whether every checklist item is checked.
func (p *Plan) AllComplete() bool {
	return p.Checkboxes.Total > 0 && p.Checkboxes.Unchecked == 0
}

// SourceAppendix renders linked parent issues for inclusion in agent prompts.
func (p *Plan) SourceAppendix() string {
	if len(p.Source) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Source:\n")
	for _, s := range p.Source {
		b.WriteString("- " + s + "\n")
	}
	return b.String()
}

// Parser wraps a goldmark instance for list detection when no headings match.
type Parser struct {
	md goldmark.Markdown
}

func NewParser() *Parser {
	return &Parser{md: goldmark.New()}
}

var defaultParser = NewParser()

// Parse extracts the plan from a PR body using the default parser.
func Parse(body string) *Plan { return defaultParser.Parse(body) }

// NormalizeBody upgrades plain bullets in checklist sections to `- [ ]` form
// using the default parser.
func NormalizeBody(body string) string { return defaultParser.NormalizeBody(body) }

var (
	checkboxRe    = regexp.MustCompile(`^(\s*)(?:[-*+]|\d+[.)])\s+\[([ xX])\]\s*(.*)$`)
	bulletRe      = regexp.MustCompile(`^(\s{0,3})(?:[-*+]|\d+[.)])\s+(.*)$`)
	atxRe         = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	boldLineRe    = regexp.MustCompile(`^\*\*([^*]+?)\*\*:?\s*$`)
	colonLineRe   = regexp.MustCompile(`^([A-Za-z][A-Za-z /_-]{0,40}):\s*$`)
	fenceLineRe   = regexp.MustCompile("^\\s*(```|~~~)")
	parentIssueRe = regexp.MustCompile(`(?i)^parent issue:\s*(.+)$`)
	markerLineRe  = regexp.MustCompile(`^\s*<!--\s*(?:keepalive|codex)-[a-z-]+.*-->\s*$`)

	autoStatusRe  = regexp.MustCompile(`(?s)<!--\s*auto-status-summary:start\s*-->.*?<!--\s*auto-status-summary:end\s*-->`)
	configBlockRe = regexp.MustCompile(`(?s)<!--\s*(?:keepalive|codex)-config:start\s*-->.*?<!--\s*(?:keepalive|codex)-config:end\s*-->`)
)

// Heading variants mapped to canonical section names.
var sectionAliases = map[string]string{
	"scope":    "scope",
	"summary":  "scope",
	"goal":     "scope",
	"overview": "scope",

	"tasks":                "tasks",
	"task":                 "tasks",
	"task list":            "tasks",
	"checklist":            "tasks",
	"plan":                 "tasks",
	"todo":                 "tasks",
	"todos":                "tasks",
	"implementation tasks": "tasks",
	"remaining tasks":      "tasks",

	"acceptance":          "acceptance",
	"acceptance criteria": "acceptance",
	"definition of done":  "acceptance",
	"success criteria":    "acceptance",
	"done criteria":       "acceptance",

	"source":         "source",
	"sources":        "source",
	"parent issue":   "source",
	"parent issues":  "source",
	"related issues": "source",
}

// Sentinel texts inserted when a section was generated empty. These never
// count as plan content.
var placeholderTexts = map[string]struct{}{
	"tbd":                                {},
	"todo":                               {},
	"to be determined":                   {},
	"pending":                            {},
	"n/a":                                {},
	"none":                               {},
	"none yet":                           {},
	"no tasks yet":                       {},
	"no tasks defined yet":               {},
	"no acceptance criteria yet":         {},
	"no acceptance criteria defined yet": {},
	"no scope provided":                  {},
	"placeholder":                        {},
	"fill in":                            {},
	"coming soon":                        {},
	"add tasks here":                     {},
	"add acceptance criteria here":       {},
}

// IsPlaceholder reports whether text is a sentinel rather than real content.
func IsPlaceholder(text string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	cleaned = strings.Trim(cleaned, "_*~`()[]")
	cleaned = strings.TrimRight(cleaned, ".…!")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return true
	}
	_, ok := placeholderTexts[cleaned]
	return ok
}

type span struct{ start, end int }

type rawSection struct {
	heading string
	body    span
}

// Parse extracts scope, checklist sections, sources, and the tally.
func (p *Parser) Parse(body string) *Plan {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	masked := maskGeneratedBlocks(body)
	lines := strings.Split(masked, "\n")

	sections := findSections(lines)
	pl := &Plan{}

	if sec, ok := sections["scope"]; ok {
		raw := strings.TrimSpace(joinRange(lines, sec.body))
		if !IsPlaceholder(raw) {
			pl.Scope = raw
		}
	}
	if sec, ok := sections["tasks"]; ok {
		pl.Tasks = buildSection(lines, sec)
	}
	if sec, ok := sections["acceptance"]; ok {
		pl.Acceptance = buildSection(lines, sec)
	}
	if sec, ok := sections["source"]; ok {
		pl.Source = sourceEntries(lines, sec.body)
	}
	for _, line := range lines {
		if m := parentIssueRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			pl.Source = appendUnique(pl.Source, strings.TrimSpace(m[1]))
		}
	}

	_, hasTasks := sections["tasks"]
	_, hasAcceptance := sections["acceptance"]
	if !hasTasks && !hasAcceptance {
		p.assignListsByPosition(masked, lines, pl)
	}

	pl.Checkboxes = tallyBody(lines, pl)
	return pl
}

// NormalizeBody rewrites plain bullets inside the Tasks and Acceptance
// sections as unchecked checkboxes, leaving everything else untouched.
func (p *Parser) NormalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	masked := maskGeneratedBlocks(body)
	lines := strings.Split(masked, "\n")
	out := strings.Split(body, "\n")
	sections := findSections(lines)

	changed := false
	for _, name := range []string{"tasks", "acceptance"} {
		sec, ok := sections[name]
		if !ok {
			continue
		}
		inFence := false
		for i := sec.body.start; i < sec.body.end; i++ {
			line := lines[i]
			if fenceLineRe.MatchString(line) {
				inFence = !inFence
				continue
			}
			if inFence || checkboxRe.MatchString(line) {
				continue
			}
			m := bulletRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			text := strings.TrimSpace(m[2])
			if IsPlaceholder(text) {
				continue
			}
			out[i] = m[1] + "- [ ] " + text
			changed = true
		}
	}
	if !changed {
		return body
	}
	return strings.Join(out, "\n")
}

// maskGeneratedBlocks blanks machine-written regions (auto status summary,
// config blocks) while preserving line count, so their content never reads
// as plan.
func maskGeneratedBlocks(body string) string {
	mask := func(src string, re *regexp.Regexp) string {
		return re.ReplaceAllStringFunc(src, func(m string) string {
			return strings.Repeat("\n", strings.Count(m, "\n"))
		})
	}
	body = mask(body, autoStatusRe)
	body = mask(body, configBlockRe)
	return body
}

// findSections scans line-by-line for recognized headings, tracking code
// fences. First occurrence of a section wins; any heading closes the one
// before it.
func findSections(lines []string) map[string]rawSection {
	found := make(map[string]rawSection)
	type open struct {
		name    string
		heading string
		start   int
	}
	var current *open
	inFence := false

	closeCurrent := func(end int) {
		if current == nil {
			return
		}
		if _, dup := found[current.name]; !dup {
			found[current.name] = rawSection{heading: current.heading, body: span{current.start, end}}
		}
		current = nil
	}

	for i, line := range lines {
		if fenceLineRe.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence || markerLineRe.MatchString(line) {
			continue
		}
		name, heading, isHeading := matchHeading(line)
		if !isHeading {
			continue
		}
		closeCurrent(i)
		if name != "" {
			current = &open{name: name, heading: heading, start: i + 1}
		}
	}
	closeCurrent(len(lines))
	return found
}

// matchHeading recognizes ATX headings at any level, bold-only lines, and
// bare `Name:` lines. Unknown ATX headings still end the current section.
func matchHeading(line string) (canonical, heading string, isHeading bool) {
	trimmed := strings.TrimSpace(line)
	if m := atxRe.FindStringSubmatch(trimmed); m != nil {
		text := strings.TrimSpace(m[2])
		return canonicalSection(text), text, true
	}
	if m := boldLineRe.FindStringSubmatch(trimmed); m != nil {
		text := strings.TrimSpace(m[1])
		if name := canonicalSection(text); name != "" {
			return name, text, true
		}
		return "", "", false
	}
	if m := colonLineRe.FindStringSubmatch(trimmed); m != nil {
		text := strings.TrimSpace(m[1])
		if name := canonicalSection(text); name != "" {
			return name, text, true
		}
	}
	return "", "", false
}

func canonicalSection(text string) string {
	key := strings.ToLower(strings.TrimSpace(text))
	key = strings.TrimSuffix(key, ":")
	key = strings.Join(strings.Fields(key), " ")
	return sectionAliases[key]
}

// buildSection collects checklist items from a section's line range.
// Checkboxes keep their state at any nesting depth; shallow plain bullets
// are upgraded to unchecked items.
func buildSection(lines []string, sec rawSection) Section {
	out := Section{Heading: sec.heading, Raw: strings.TrimSpace(joinRange(lines, sec.body))}
	inFence := false
	placeholders := 0

	for i := sec.body.start; i < sec.body.end && i < len(lines); i++ {
		line := lines[i]
		if fenceLineRe.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := checkboxRe.FindStringSubmatch(line); m != nil {
			text := strings.TrimSpace(m[3])
			if IsPlaceholder(text) {
				placeholders++
				continue
			}
			out.Items = append(out.Items, Item{Text: text, Checked: m[2] == "x" || m[2] == "X", Line: i})
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			text := strings.TrimSpace(m[2])
			if IsPlaceholder(text) {
				placeholders++
				continue
			}
			out.Items = append(out.Items, Item{Text: text, Upgraded: true, Line: i})
		}
	}

	if len(out.Items) == 0 && (placeholders > 0 || IsPlaceholder(out.Raw)) {
		out.Placeholder = true
	}
	return out
}

// tallyBody counts every real checkbox in the body plus upgraded bullets
// from the checklist sections. Placeholders never count.
func tallyBody(lines []string, pl *Plan) Tally {
	var t Tally
	inFence := false
	for _, line := range lines {
		if fenceLineRe.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if IsPlaceholder(strings.TrimSpace(m[3])) {
			continue
		}
		t.Total++
		if m[2] == "x" || m[2] == "X" {
			t.Checked++
		} else {
			t.Unchecked++
		}
	}
	for _, it := range pl.Tasks.Items {
		if it.Upgraded {
			t.Total++
			t.Unchecked++
		}
	}
	for _, it := range pl.Acceptance.Items {
		if it.Upgraded {
			t.Total++
			t.Unchecked++
		}
	}
	return t
}

// assignListsByPosition handles bodies with no recognized headings: the
// first top-level list is Tasks, the second Acceptance, with cue words in
// the preceding lines biasing a list toward Acceptance.
func (p *Parser) assignListsByPosition(masked string, lines []string, pl *Plan) {
	spans := p.topLevelListSpans([]byte(masked))
	if len(spans) == 0 {
		return
	}
	starts := lineOffsets(masked)

	for _, sp := range spans {
		startLine := lineForOffset(starts, sp[0])
		endLine := lineForOffset(starts, sp[1]) + 1
		sec := buildSection(lines, rawSection{body: span{startLine, endLine}})
		if len(sec.Items) == 0 {
			continue
		}
		switch {
		case acceptanceCue(lines, startLine) && len(pl.Acceptance.Items) == 0:
			pl.Acceptance = sec
		case len(pl.Tasks.Items) == 0:
			pl.Tasks = sec
		case len(pl.Acceptance.Items) == 0:
			pl.Acceptance = sec
		}
	}
}

// topLevelListSpans parses the body and returns the byte span of each
// list block that sits directly under the document root.
func (p *Parser) topLevelListSpans(source []byte) [][2]int {
	doc := p.md.Parser().Parse(text.NewReader(source))
	var spans [][2]int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if _, ok := n.(*ast.List); !ok {
			continue
		}
		start, stop := nodeSpan(n, source)
		if start < 0 {
			continue
		}
		spans = append(spans, [2]int{start, stop})
	}
	return spans
}

// nodeSpan returns the min/max source offsets covered by a block node's
// descendants.
func nodeSpan(n ast.Node, _ []byte) (int, int) {
	start, stop := -1, -1
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || child.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		segments := child.Lines()
		for i := 0; i < segments.Len(); i++ {
			seg := segments.At(i)
			if start == -1 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > stop {
				stop = seg.Stop
			}
		}
		return ast.WalkContinue, nil
	})
	return start, stop
}

// acceptanceCue looks at up to three non-empty lines above a list for
// wording that marks it as acceptance criteria.
func acceptanceCue(lines []string, startLine int) bool {
	seen := 0
	for i := startLine - 1; i >= 0 && seen < 3; i-- {
		text := strings.ToLower(strings.TrimSpace(lines[i]))
		if text == "" {
			continue
		}
		seen++
		if strings.Contains(text, "acceptance") || strings.Contains(text, "definition of done") {
			return true
		}
	}
	return false
}

func sourceEntries(lines []string, sp span) []string {
	var out []string
	for i := sp.start; i < sp.end && i < len(lines); i++ {
		text := strings.TrimSpace(lines[i])
		text = strings.TrimPrefix(text, "- ")
		text = strings.TrimPrefix(text, "* ")
		text = strings.TrimSpace(text)
		if text == "" || IsPlaceholder(text) {
			continue
		}
		out = appendUnique(out, text)
	}
	return out
}

func joinRange(lines []string, sp span) string {
	if sp.start >= len(lines) {
		return ""
	}
	end := sp.end
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[sp.start:end], "\n")
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func lineOffsets(s string) []int {
	offsets := []int{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// lineForOffset returns the index of the line containing the byte offset.
func lineForOffset(starts []int, offset int) int {
	idx := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	return idx - 1
}
