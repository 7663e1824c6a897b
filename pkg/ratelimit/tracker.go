// Package ratelimit maintains a passive view of the forge API budget and
// switches to fallback credentials when the primary pool runs dry.
package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultMinRequired is the request budget one loop iteration is assumed to
// need when the caller does not say otherwise.
const DefaultMinRequired = 25

// Snapshot is one observation of the provider's rate-limit headers.
type Snapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Observed  time.Time `json:"observed"`
}

// Known reports whether any observation has been recorded.
func (s Snapshot) Known() bool {
	return !s.Observed.IsZero()
}

// Status is the tracker's recommendation for proceeding with an iteration.
type Status struct {
	CanProceed     bool      `json:"can_proceed"`
	ShouldDefer    bool      `json:"should_defer"`
	Recommendation string    `json:"recommendation"` // proceed | proceed-with-caution | defer-<N>m
	Remaining      int       `json:"remaining"`
	Limit          int       `json:"limit"`
	Reset          time.Time `json:"reset"`
}

// Tracker accumulates rate-limit observations from response headers. One
// tracker serves the whole process; every transport feeds it.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Update records an observation.
func (t *Tracker) Update(remaining, limit int, reset time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = Snapshot{
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
		Observed:  time.Now(),
	}
}

// UpdateFromHeaders extracts X-RateLimit-* headers if present.
func (t *Tracker) UpdateFromHeaders(headers http.Header) {
	remainingStr := headers.Get("X-RateLimit-Remaining")
	if remainingStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(headers.Get("X-RateLimit-Limit"))
	var reset time.Time
	if epoch, err := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64); err == nil && epoch > 0 {
		reset = time.Unix(epoch, 0)
	}
	t.Update(remaining, limit, reset)
}

// Snapshot returns the latest observation.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Status evaluates the budget against the requests one iteration needs.
// With no observation yet the tracker trusts the pool: passive extraction
// means the first real call will populate it.
func (t *Tracker) Status(minRequired int) Status {
	if minRequired <= 0 {
		minRequired = DefaultMinRequired
	}
	snap := t.Snapshot()

	status := Status{
		Remaining: snap.Remaining,
		Limit:     snap.Limit,
		Reset:     snap.Reset,
	}

	if !snap.Known() {
		status.CanProceed = true
		status.Recommendation = "proceed"
		return status
	}

	switch {
	case snap.Remaining < minRequired:
		status.ShouldDefer = true
		status.Recommendation = fmt.Sprintf("defer-%dm", deferMinutes(snap.Reset))
	case snap.Remaining < 2*minRequired:
		status.CanProceed = true
		status.Recommendation = "proceed-with-caution"
	default:
		status.CanProceed = true
		status.Recommendation = "proceed"
	}
	return status
}

func deferMinutes(reset time.Time) int {
	if reset.IsZero() {
		return 5
	}
	until := time.Until(reset)
	if until <= 0 {
		return 1
	}
	minutes := int(math.Ceil(until.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	if minutes > 120 {
		minutes = 120
	}
	return minutes
}
