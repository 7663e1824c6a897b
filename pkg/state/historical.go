package state

import (
	"context"
	"regexp"
	"strconv"
)

// Historical webhook-era instruction markers. The loop consumes these to
// recover trace and round when no state marker exists yet; it never writes
// them, the webhook path owns that vocabulary.
var (
	legacyMarkerRe = regexp.MustCompile(`<!--\s*codex-keepalive-marker\s*-->`)
	legacyRoundRe  = regexp.MustCompile(`<!--\s*codex-keepalive-round:\s*(\d+)\s*-->`)
	legacyTraceRe  = regexp.MustCompile(`<!--\s*codex-keepalive-trace:\s*([a-z0-9]+)\s*-->`)
)

// LegacyDirective holds values recovered from webhook-era comment markers.
type LegacyDirective struct {
	Present bool
	Round   int
	Trace   string
}

// ParseLegacyDirectives extracts webhook-era markers from one comment body.
func ParseLegacyDirectives(body string) LegacyDirective {
	var d LegacyDirective
	if legacyMarkerRe.MatchString(body) {
		d.Present = true
	}
	if m := legacyRoundRe.FindStringSubmatch(body); m != nil {
		d.Present = true
		if n, err := strconv.Atoi(m[1]); err == nil {
			d.Round = n
		}
	}
	if m := legacyTraceRe.FindStringSubmatch(body); m != nil {
		d.Present = true
		if ValidTrace(m[1]) {
			d.Trace = m[1]
		}
	}
	return d
}

// FindLegacyDirective scans comments newest-first for the most recent
// webhook-era directive.
func (s *Store) FindLegacyDirective(ctx context.Context, prNumber int) (LegacyDirective, error) {
	comments, err := s.client.ListComments(ctx, prNumber)
	if err != nil {
		return LegacyDirective{}, err
	}
	for _, comment := range comments {
		if d := ParseLegacyDirectives(comment.Body); d.Present {
			return d, nil
		}
	}
	return LegacyDirective{}, nil
}
