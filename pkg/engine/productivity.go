package engine

import "keepalive/pkg/state"

// ProductivityThreshold is the score below which a loop past its iteration
// budget is considered stuck.
const ProductivityThreshold = 20

// ProductivityScore grades the most recent iteration 0-100. Files touched
// and tasks completed carry most of the weight; a small continuity bonus
// rewards back-to-back iterations that both produced changes, and a clean
// failure record adds the rest.
func ProductivityScore(st state.State) int {
	score := min(40, st.LastFilesChanged*10)
	score += min(40, lastTasksDelta(st)*20)
	if st.PrevFilesChanged > 0 && st.Iteration > 1 {
		score += 10
	}
	if st.Failure.Count == 0 {
		score += 10
	}
	return score
}

// Productive reports whether the score clears the threshold.
func Productive(st state.State) bool {
	return ProductivityScore(st) >= ProductivityThreshold
}

func lastTasksDelta(st state.State) int {
	if n := len(st.Attempts); n > 0 {
		return st.Attempts[n-1].TasksDelta
	}
	return 0
}

// NextNoProgressRounds advances the consecutive-rounds-without-a-completed-
// task counter.
func NextNoProgressRounds(prior, tasksDelta int) int {
	if tasksDelta > 0 {
		return 0
	}
	return prior + 1
}

// NextCompleteGateFailureRounds tracks consecutive rounds where every task is
// done but the gate still is not green. Any other shape resets it.
func NextCompleteGateFailureRounds(prior int, allComplete, gateBlocked bool) int {
	if allComplete && gateBlocked {
		return prior + 1
	}
	return 0
}
