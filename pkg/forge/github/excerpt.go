package github

import "strings"

// tailExcerpt keeps the last maxLines lines of s, then trims from the front
// until the result fits maxBytes. Actions log timestamps are stripped since
// they dominate the byte budget without aiding diagnosis.
func tailExcerpt(s string, maxLines, maxBytes int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	for i, line := range lines {
		lines[i] = stripLogTimestamp(line)
	}

	out := strings.Join(lines, "\n")
	for len(out) > maxBytes && len(lines) > 1 {
		lines = lines[1:]
		out = strings.Join(lines, "\n")
	}
	if len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return out
}

// stripLogTimestamp removes the leading ISO-8601 timestamp Actions prefixes
// onto every log line ("2025-06-01T12:00:00.0000000Z ...").
func stripLogTimestamp(line string) string {
	const tsLen = len("2006-01-02T15:04:05")
	if len(line) < tsLen {
		return line
	}
	if line[4] != '-' || line[7] != '-' || line[10] != 'T' {
		return line
	}
	if idx := strings.IndexByte(line, ' '); idx > 0 && strings.HasSuffix(line[:idx], "Z") {
		return line[idx+1:]
	}
	return line
}
