package state

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const traceLength = 16

var traceRe = regexp.MustCompile(`^[a-z0-9]{8,16}$`)

// NewTrace returns an opaque 16-char lowercase token: the epoch-millis in
// base36 followed by a random tail. Sortable enough to eyeball, unique
// enough to never collide within one repository.
func NewTrace() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	tail := strings.ReplaceAll(uuid.NewString(), "-", "")
	token := strings.ToLower(ts + tail)
	if len(token) > traceLength {
		token = token[:traceLength]
	}
	return token
}

// ValidTrace reports whether s is usable as a trace token.
func ValidTrace(s string) bool {
	return traceRe.MatchString(s)
}
