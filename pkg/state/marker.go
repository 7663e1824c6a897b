package state

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SummaryMarker identifies the loop's single summary comment; it sits on
// the comment's first line and hosts the state marker on its last line.
const SummaryMarker = "<!-- keepalive-loop-summary -->"

// Marker grammar. Reads tolerate a bare `keepalive-state` and any
// `keepalive-state:<version>`; writes always emit the current version.
var (
	stateMarkerRe = regexp.MustCompile(`(?s)<!--\s*keepalive-state(?::([A-Za-z0-9][A-Za-z0-9.-]*))?\s+(\{.*?\})\s*-->`)
)

// FormatMarker serialises a payload into the single-line marker form.
// Map marshalling sorts keys, so identical payloads produce identical bytes.
func FormatMarker(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialise state payload: %w", err)
	}
	return fmt.Sprintf("<!-- keepalive-state:%s %s -->", Version, data), nil
}

// ExtractMarker returns the first marker payload found in a comment body.
func ExtractMarker(body string) (payload map[string]any, version string, ok bool) {
	m := stateMarkerRe.FindStringSubmatch(body)
	if m == nil {
		return nil, "", false
	}
	version = m[1]
	if err := json.Unmarshal([]byte(m[2]), &payload); err != nil {
		return nil, "", false
	}
	return payload, version, true
}

// UpsertMarker replaces an existing marker in body or appends the marker as
// the last line. Applying the same marker twice is a no-op.
func UpsertMarker(body, marker string) string {
	if loc := stateMarkerRe.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + marker + body[loc[1]:]
	}
	trimmed := strings.TrimRight(body, "\n")
	if trimmed == "" {
		return marker
	}
	return trimmed + "\n\n" + marker
}

// StripMarker removes all state markers from a body.
func StripMarker(body string) string {
	return strings.TrimRight(stateMarkerRe.ReplaceAllString(body, ""), "\n ")
}

// MarkerText returns the raw marker substring when present, byte-exact. The
// summary renderer uses it to carry the marker across a prose rewrite without
// re-serialising the payload.
func MarkerText(body string) (string, bool) {
	loc := stateMarkerRe.FindStringIndex(body)
	if loc == nil {
		return "", false
	}
	return body[loc[0]:loc[1]], true
}

// IsSummaryComment reports whether a comment body is the loop summary.
func IsSummaryComment(body string) bool {
	firstLine, _, _ := strings.Cut(strings.TrimLeft(body, "\n \t"), "\n")
	return strings.HasPrefix(strings.TrimSpace(firstLine), SummaryMarker)
}

// FromPayload converts a raw payload into the typed view.
func FromPayload(payload map[string]any) (State, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return State{}, fmt.Errorf("failed to round-trip state payload: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to decode state payload: %w", err)
	}
	if st.Version == "" {
		st.Version = Version
	}
	return st, nil
}

// Payload converts the typed view back into a raw payload.
func (st State) Payload() (map[string]any, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to round-trip state: %w", err)
	}
	return payload, nil
}
