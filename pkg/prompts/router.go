// Package prompts selects and renders the instruction prompt handed to the
// agent runner each iteration. Routing maps the decision's action and reason
// to one of four modes; config overrides bypass the table entirely.
package prompts

import (
	"strings"
)

// Mode identifies which family of instructions the runner receives.
type Mode string

const (
	// ModeNormal asks the agent to pick up the next unchecked task.
	ModeNormal Mode = "normal"
	// ModeFixCI asks the agent to repair a failing external gate.
	ModeFixCI Mode = "fix_ci"
	// ModeVerify asks the agent to verify acceptance criteria before the loop stops.
	ModeVerify Mode = "verify"
	// ModeConflict asks the agent to resolve merge conflicts. An active
	// conflict blocks all other work, so it outranks every other derivation.
	ModeConflict Mode = "conflict"
)

// Template identifiers, one per mode plus the mode-less progress review.
const (
	FileNextTask         = "keepalive_next_task"
	FileFixCI            = "fix_ci_failures"
	FileVerifyAcceptance = "verifier_acceptance_check"
	FileFixConflicts     = "fix_merge_conflicts"
	FileProgressReview   = "progress_review"
)

// Request carries the routing signals for one iteration.
type Request struct {
	// Mode is the explicit prompt_mode from config. Wins over derivation
	// when it names a valid mode.
	Mode string
	// Action and Reason come from the decision engine.
	Action string
	Reason string
	// File is the prompt_file config override. Bypasses the table.
	File string
	// Scenario is the prompt_scenario config override. Qualifies the
	// template identifier with a variant subdirectory.
	Scenario string
}

// Route is a resolved prompt selection.
type Route struct {
	Mode Mode
	File string
}

// ValidMode reports whether s names one of the four routing modes.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeNormal, ModeFixCI, ModeVerify, ModeConflict:
		return true
	}
	return false
}

// DeriveMode maps an action/reason pair to a mode. Order matters: conflict
// beats fix_ci beats verify beats normal.
func DeriveMode(action, reason string) Mode {
	switch {
	case action == "conflict" || strings.HasPrefix(reason, "conflict") || strings.HasPrefix(reason, "merge-conflict"):
		return ModeConflict
	case action == "fix" || strings.HasPrefix(reason, "fix-"):
		return ModeFixCI
	case action == "verify" || reason == "verify-acceptance":
		return ModeVerify
	default:
		return ModeNormal
	}
}

// FileFor returns the template identifier for a mode.
func FileFor(mode Mode) string {
	switch mode {
	case ModeConflict:
		return FileFixConflicts
	case ModeFixCI:
		return FileFixCI
	case ModeVerify:
		return FileVerifyAcceptance
	default:
		return FileNextTask
	}
}

// Resolve turns a request into a concrete route. An explicit valid mode wins
// over derivation; a prompt_file override wins over everything. Progress
// review has no mode of its own: the review action swaps the file while the
// mode falls through the normal derivation.
func Resolve(req Request) Route {
	mode := DeriveMode(req.Action, req.Reason)
	if ValidMode(req.Mode) {
		mode = Mode(req.Mode)
	}

	file := req.File
	if file == "" {
		if req.Action == "review" && !ValidMode(req.Mode) {
			file = FileProgressReview
		} else {
			file = FileFor(mode)
		}
	}
	if req.Scenario != "" && req.File == "" {
		file = req.Scenario + "/" + file
	}

	return Route{Mode: mode, File: file}
}
