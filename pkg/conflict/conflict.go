// Package conflict detects merge conflicts from three probes: the forge
// mergeability API, failed CI job logs, and the recent comment stream.
// Only the forge API is definitive; text probes are advisory.
package conflict

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strings"

	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
	"keepalive/pkg/state"
)

// Source names one probe.
type Source string

const (
	SourceGitHubAPI Source = "github-api"
	SourceCILogs    Source = "ci-logs"
	SourceComments  Source = "comments"
)

const (
	maxEvidenceLines = 8
	maxEvidenceChars = 200
	maxCommentsScan  = 30
)

// Result is the union of all probe findings.
type Result struct {
	Detected      bool
	PrimarySource Source
	Sources       []Source
	Files         []string
	Evidence      []string
}

// Definitive reports whether the decision engine may act on this result.
// Text matches are too prone to false positives from quoted log excerpts.
func (r Result) Definitive() bool {
	return r.Detected && r.PrimarySource == SourceGitHubAPI
}

// Strict conflict patterns. Generic "merge conflict" prose never matches;
// only literal git conflict output does.
var (
	conflictOpenRe   = regexp.MustCompile(`(?m)^<{7} HEAD`)
	conflictCloseRe  = regexp.MustCompile(`(?m)^>{7} [A-Za-z0-9._/-]+`)
	conflictNoticeRe = regexp.MustCompile(`CONFLICT \((content|add/add|modify/delete)\):\s*(.+)`)
	autoMergeFailRe  = regexp.MustCompile(`Automatic merge failed`)
)

// Files with custom merge strategies upstream; never reported as conflicts.
var ignoredConflictFiles = map[string]struct{}{
	"ci-metrics.json":               {},
	"metrics-history.ndjson":        {},
	"classification.json":           {},
	"coverage-trend.json":           {},
	"coverage-trend-history.ndjson": {},
	"autofix-report.json":           {},
	"autofix-history.ndjson":        {},
}

// Detector runs the probes through a forge client.
type Detector struct {
	client forge.Client
	logger *logx.Logger
}

func NewDetector(client forge.Client) *Detector {
	return &Detector{client: client, logger: logx.NewLogger("conflict")}
}

// Probe runs all three probes and unions the findings. Probe failures
// degrade to warnings; the forge mergeability signal needs no extra call.
func (d *Detector) Probe(ctx context.Context, pr *forge.PullRequest) Result {
	var result Result
	fileSet := make(map[string]struct{})

	if forgeSaysConflict(pr) {
		result.Detected = true
		result.Sources = append(result.Sources, SourceGitHubAPI)
		result.Evidence = appendEvidence(result.Evidence,
			"mergeable_state="+pr.MergeableState)
	}

	if logs, err := d.client.ListFailedJobLogs(ctx, pr.HeadSHA); err != nil {
		d.logger.Warn("conflict probe could not fetch CI logs: %v", err)
	} else {
		hit := false
		for _, log := range logs {
			matches, files := scanText(log.Excerpt)
			if len(matches) == 0 {
				continue
			}
			hit = true
			for _, m := range matches {
				result.Evidence = appendEvidence(result.Evidence, log.JobName+": "+m)
			}
			for _, f := range files {
				fileSet[f] = struct{}{}
			}
		}
		if hit {
			result.Detected = true
			result.Sources = append(result.Sources, SourceCILogs)
		}
	}

	if comments, err := d.client.ListComments(ctx, pr.Number); err != nil {
		d.logger.Warn("conflict probe could not fetch comments: %v", err)
	} else {
		hit := false
		scanned := 0
		for _, comment := range comments {
			if scanned >= maxCommentsScan {
				break
			}
			if isLoopArtifact(comment.Body) {
				continue
			}
			scanned++
			matches, files := scanText(comment.Body)
			if len(matches) == 0 {
				continue
			}
			hit = true
			for _, m := range matches {
				result.Evidence = appendEvidence(result.Evidence, "comment: "+m)
			}
			for _, f := range files {
				fileSet[f] = struct{}{}
			}
		}
		if hit {
			result.Detected = true
			result.Sources = append(result.Sources, SourceComments)
		}
	}

	if len(result.Sources) > 0 {
		result.PrimarySource = result.Sources[0]
	}
	result.Files = sortedFiles(fileSet)
	return result
}

// forgeSaysConflict applies the definitive mergeability rule. A nil
// Mergeable means the forge is still computing; that is not a conflict.
func forgeSaysConflict(pr *forge.PullRequest) bool {
	if pr == nil {
		return false
	}
	if pr.MergeableState == "dirty" {
		return true
	}
	return pr.Mergeable != nil && !*pr.Mergeable
}

// scanText applies the strict pattern set and extracts conflicted file
// paths from git's CONFLICT notices.
func scanText(text string) (matches, files []string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case conflictOpenRe.MatchString(trimmed),
			conflictCloseRe.MatchString(trimmed),
			autoMergeFailRe.MatchString(trimmed):
			matches = append(matches, strings.TrimSpace(trimmed))
		default:
			m := conflictNoticeRe.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			matches = append(matches, strings.TrimSpace(trimmed))
			if file := fileFromNotice(m[2]); file != "" && !isIgnoredFile(file) {
				files = append(files, file)
			}
		}
	}
	return matches, files
}

// fileFromNotice recovers the path from the tail of a CONFLICT notice:
// "Merge conflict in <path>" or "<path> deleted in <ref> ...".
func fileFromNotice(rest string) string {
	rest = strings.TrimSpace(rest)
	if after, found := strings.CutPrefix(rest, "Merge conflict in "); found {
		return strings.TrimSpace(after)
	}
	if idx := strings.Index(rest, " deleted in "); idx > 0 {
		return strings.TrimSpace(rest[:idx])
	}
	return ""
}

func isIgnoredFile(file string) bool {
	_, ok := ignoredConflictFiles[path.Base(file)]
	return ok
}

// isLoopArtifact filters the loop's own comments out of the text probe.
func isLoopArtifact(body string) bool {
	if state.IsSummaryComment(body) {
		return true
	}
	if _, _, ok := state.ExtractMarker(body); ok {
		return true
	}
	return state.ParseLegacyDirectives(body).Present
}

func appendEvidence(evidence []string, line string) []string {
	if len(evidence) >= maxEvidenceLines {
		return evidence
	}
	if len(line) > maxEvidenceChars {
		line = line[:maxEvidenceChars]
	}
	return append(evidence, line)
}

func sortedFiles(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
