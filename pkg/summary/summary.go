// Package summary maintains the loop's single status comment per pull
// request: summary marker on the first line, state marker on the last, and
// the human-readable iteration report in between. The prose is rewritten
// wholesale each iteration; the state marker is owned by the save path and
// carried across rewrites byte-exact.
package summary

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"keepalive/pkg/engine"
	"keepalive/pkg/errclass"
	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
	"keepalive/pkg/ratelimit"
	"keepalive/pkg/state"
)

// NotificationMarker deduplicates rate-limit notification comments.
const NotificationMarker = "<!-- rate-limit-notification -->"

// notificationCooldown suppresses repeat rate-limit notifications.
const notificationCooldown = time.Hour

var runningStampRe = regexp.MustCompile(`(?m)^> 🔄 \*\*Agent Running\*\*.*$`)

// Renderer owns the summary comment and its label side effects.
type Renderer struct {
	client forge.Client
	store  *state.Store
	logger *logx.Logger
	now    func() time.Time
}

func NewRenderer(client forge.Client, store *state.Store) *Renderer {
	return &Renderer{
		client: client,
		store:  store,
		logger: logx.NewLogger("summary"),
		now:    time.Now,
	}
}

// Update rewrites the summary prose, preserving whatever state marker the
// comment already carries. Label side effects follow and warn on failure. A
// rate-limit rejection is fatal: structured outputs are written for the
// downstream notifier step and the error propagates so the hosting step
// fails.
func (r *Renderer) Update(ctx context.Context, in Input) error {
	prose := Build(in, r.client.RepoPath())

	if err := r.upsert(ctx, in.PRNumber, prose); err != nil {
		if errclass.IsRateLimit(err) {
			r.reportRateLimit(in, err)
			return fmt.Errorf("summary update rate-limited: %w", err)
		}
		return fmt.Errorf("failed to update summary for PR #%d: %w", in.PRNumber, err)
	}

	r.applyLabels(ctx, in)
	return nil
}

// upsert writes the prose into the existing summary comment or creates one.
// An unchanged body skips the write, so re-running an iteration is free.
func (r *Renderer) upsert(ctx context.Context, prNumber int, prose string) error {
	existing, err := r.findSummary(ctx, prNumber)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := r.client.CreateComment(ctx, prNumber, prose); err != nil {
			return err
		}
		r.logger.Info("📝 Created summary comment for PR #%d", prNumber)
		return nil
	}

	body := prose
	if marker, ok := state.MarkerText(existing.Body); ok {
		body = strings.TrimRight(prose, "\n") + "\n\n" + marker
	}
	if body == existing.Body {
		return nil
	}
	_, err = r.client.UpdateComment(ctx, existing.ID, body)
	return err
}

// MarkRunning stamps the summary with a running banner immediately before the
// runner is invoked and records running/running_since in the state marker,
// preserving the rest of the payload. The stamp sits right under the summary
// marker; the next Update clears it by rewriting the prose.
func (r *Renderer) MarkRunning(ctx context.Context, prNumber int, trace string, iteration int, focus string) error {
	startedAt := r.now().UTC().Format(time.RFC3339)
	stamp := fmt.Sprintf("> 🔄 **Agent Running** since %s (iteration %d)", startedAt, iteration)

	existing, err := r.findSummary(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("failed to look up summary comment: %w", err)
	}
	if existing == nil {
		body := state.SummaryMarker + "\n" + stamp + "\n"
		if _, err := r.client.CreateComment(ctx, prNumber, body); err != nil {
			return fmt.Errorf("failed to create running stamp: %w", err)
		}
	} else if stamped := stampBody(existing.Body, stamp); stamped != existing.Body {
		if _, err := r.client.UpdateComment(ctx, existing.ID, stamped); err != nil {
			return fmt.Errorf("failed to stamp running banner: %w", err)
		}
	}

	// State save runs after the stamp so a fresh marker lands in the summary
	// comment rather than a separate one.
	updates := map[string]any{
		"running":       true,
		"running_since": startedAt,
	}
	if focus != "" {
		updates["current_focus"] = focus
	}
	if _, err := r.store.Save(ctx, prNumber, trace, updates); err != nil {
		return fmt.Errorf("failed to record running state: %w", err)
	}
	r.logger.Info("🔄 Marked agent running on PR #%d (iteration %d)", prNumber, iteration)
	return nil
}

// stampBody refreshes an existing running banner or inserts one under the
// first line.
func stampBody(body, stamp string) string {
	if runningStampRe.MatchString(body) {
		return runningStampRe.ReplaceAllString(body, stamp)
	}
	first, rest, found := strings.Cut(body, "\n")
	if !found {
		return first + "\n" + stamp + "\n"
	}
	return first + "\n" + stamp + "\n" + rest
}

// NotifyRateLimit posts the user-visible rate-limit notice, at most once per
// cooldown window. Callers run it on fallback credentials after the main
// update step failed. Returns true when a comment was posted.
func (r *Renderer) NotifyRateLimit(ctx context.Context, prNumber int, rate ratelimit.Status) (bool, error) {
	comments, err := r.client.ListComments(ctx, prNumber)
	if err != nil {
		return false, fmt.Errorf("failed to scan for prior notifications: %w", err)
	}
	cutoff := r.now().Add(-notificationCooldown)
	for i := range comments {
		if !strings.HasPrefix(strings.TrimSpace(comments[i].Body), NotificationMarker) {
			continue
		}
		// Comments arrive newest first; the first marker hit decides.
		stamp := comments[i].UpdatedAt
		if stamp.IsZero() {
			stamp = comments[i].CreatedAt
		}
		if stamp.After(cutoff) {
			r.logger.Info("Rate-limit notification suppressed for PR #%d (cooldown)", prNumber)
			return false, nil
		}
		break
	}

	if _, err := r.client.CreateComment(ctx, prNumber, notificationBody(rate)); err != nil {
		return false, fmt.Errorf("failed to post rate-limit notification: %w", err)
	}
	return true, nil
}

func notificationBody(rate ratelimit.Status) string {
	var b strings.Builder
	b.WriteString(NotificationMarker + "\n")
	b.WriteString("## ⛔ GitHub API rate limit reached\n\n")
	fmt.Fprintf(&b, "The keepalive loop could not update this pull request (%d of %d API calls remaining).", rate.Remaining, rate.Limit)
	if !rate.Reset.IsZero() {
		fmt.Fprintf(&b, " The window resets at %s.", rate.Reset.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n\nThe loop resumes automatically on the next scheduled trigger; no action needed.\n")
	return b.String()
}

// Stop reasons that escalate to the needs-attention label: the loop gave up
// on something a human set up, not on its own failure counter.
var attentionReasons = map[string]struct{}{
	engine.ReasonCompleteGateFailureMax: {},
	engine.ReasonMaxIterations:          {},
	engine.ReasonMaxIterationsUnprod:    {},
}

// applyLabels performs the decision's label side effects. Failures are
// warnings; a label miss never breaks the iteration.
func (r *Renderer) applyLabels(ctx context.Context, in Input) {
	var add []string
	if in.Decision.Action == engine.ActionStop && in.Decision.Reason == engine.ReasonAgentRunFailedRepeat {
		add = append(add, engine.LabelNeedsHuman)
	}
	if in.Decision.Reason == engine.ReasonRateLimitExhausted {
		add = append(add, engine.LabelRateLimited)
	}
	if in.Decision.Action == engine.ActionStop {
		if _, ok := attentionReasons[in.Decision.Reason]; ok {
			add = append(add, engine.LabelNeedsAttention)
		}
	}
	if len(add) == 0 {
		return
	}
	if err := r.client.AddLabels(ctx, in.PRNumber, add); err != nil {
		r.logger.Warn("Failed to apply labels %v to PR #%d: %v", add, in.PRNumber, err)
	} else {
		r.logger.Info("🔖 Applied labels %v to PR #%d", add, in.PRNumber)
	}
}

// reportRateLimit emits the structured outputs a downstream notifier needs.
// Every write is best-effort; the caller already returns the fatal error.
func (r *Renderer) reportRateLimit(in Input, cause error) {
	outs := StepOutputs{
		PRNumber: in.PRNumber,
		Action:   string(in.Decision.Action),
		Reason:   in.Decision.Reason,
		Rate:     in.Rate,
	}
	if ce := errclass.Classify(cause); ce != nil && !ce.ResetAt.IsZero() {
		outs.Rate.Reset = ce.ResetAt
	}

	if err := WriteActionsOutputs(outs); err != nil {
		r.logger.Warn("Failed to write workflow outputs: %v", err)
	}
	if err := WriteStepSummary(rateLimitStepSummary(outs)); err != nil {
		r.logger.Warn("Failed to write step summary: %v", err)
	}
	r.logger.Error("⛔ Rate limit hit while updating summary for PR #%d (remaining=%d)", in.PRNumber, outs.Rate.Remaining)
}

func (r *Renderer) findSummary(ctx context.Context, prNumber int) (*forge.Comment, error) {
	comments, err := r.client.ListComments(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	for i := range comments {
		if state.IsSummaryComment(comments[i].Body) {
			return &comments[i], nil
		}
	}
	return nil, nil
}
