package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/forge"
	"keepalive/pkg/testkit"
)

// newTestResolver wires a resolver to canned tokens and clients so no real
// credentials or network are involved.
func newTestResolver(tokens map[string]string, clients map[string]forge.Client) *Resolver {
	r := NewResolver("example", "repo", 25)
	r.Lookup = func(key string) string { return tokens[key] }
	r.factory = func(token string) (forge.Client, error) {
		c, ok := clients[token]
		if !ok {
			return nil, errors.New("bad token")
		}
		return c, nil
	}
	return r
}

func primaryWithRemaining(remaining int) *testkit.FakeForge {
	f := testkit.NewFakeForge()
	f.Rate = forge.RateSnapshot{
		Limit:     5000,
		Remaining: remaining,
		Reset:     time.Now().Add(30 * time.Minute),
	}
	return f
}

func TestResolveNoObservationStaysOnPrimary(t *testing.T) {
	primary := testkit.NewFakeForge() // zero RateSnapshot: nothing observed yet
	r := newTestResolver(nil, nil)

	got := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(primary), got)
	assert.Empty(t, r.SwitchedSource())
	assert.False(t, r.Depleted())
}

func TestResolveHealthyPrimaryStays(t *testing.T) {
	primary := primaryWithRemaining(4000)
	r := newTestResolver(map[string]string{"KEEPALIVE_PAT": "k1"}, nil)

	got := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(primary), got)
	assert.Empty(t, r.SwitchedSource())
}

func TestResolveSwitchesToFirstViableSource(t *testing.T) {
	primary := primaryWithRemaining(3)
	fallback := primaryWithRemaining(4000)
	r := newTestResolver(
		map[string]string{"KEEPALIVE_PAT": "k1"},
		map[string]forge.Client{"k1": fallback},
	)

	got := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(fallback), got)
	assert.Equal(t, "KEEPALIVE_PAT", r.SwitchedSource())
	assert.Equal(t, 1, fallback.Calls["CheckRateLimit"], "candidate budget is vetted before switching")
}

func TestResolveSkipsUnsetAndLowBudgetSources(t *testing.T) {
	primary := primaryWithRemaining(3)
	lowBudget := primaryWithRemaining(5)
	viable := primaryWithRemaining(500)
	r := newTestResolver(
		map[string]string{
			// KEEPALIVE_PAT deliberately unset.
			"AGENTS_AUTOMATION_PAT": "low",
			"ACTIONS_BOT_PAT":       "ok",
		},
		map[string]forge.Client{"low": lowBudget, "ok": viable},
	)

	got := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(viable), got)
	assert.Equal(t, "ACTIONS_BOT_PAT", r.SwitchedSource())
}

func TestResolveSkipsFailingCandidates(t *testing.T) {
	primary := primaryWithRemaining(3)
	broken := primaryWithRemaining(4000)
	broken.Errs["CheckRateLimit"] = errors.New("401 bad credentials")
	viable := primaryWithRemaining(4000)
	r := newTestResolver(
		map[string]string{
			"KEEPALIVE_PAT":         "unbuildable", // factory has no client for it
			"AGENTS_AUTOMATION_PAT": "broken",
			"ACTIONS_BOT_PAT":       "ok",
		},
		map[string]forge.Client{"broken": broken, "ok": viable},
	)

	got := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(viable), got)
	assert.Equal(t, "ACTIONS_BOT_PAT", r.SwitchedSource())
}

func TestResolveSwitchIsOneWay(t *testing.T) {
	primary := primaryWithRemaining(3)
	fallback := primaryWithRemaining(4000)
	r := newTestResolver(
		map[string]string{"KEEPALIVE_PAT": "k1"},
		map[string]forge.Client{"k1": fallback},
	)

	first := r.Resolve(context.Background(), primary)
	require.Same(t, forge.Client(fallback), first)

	// Primary recovering after the switch must not flip the process back.
	primary.Rate.Remaining = 5000
	second := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(fallback), second)
	assert.Equal(t, 1, fallback.Calls["CheckRateLimit"], "no re-vetting after the switch")
}

func TestResolveAllSourcesExhausted(t *testing.T) {
	primary := primaryWithRemaining(3)
	lowBudget := primaryWithRemaining(2)
	r := newTestResolver(
		map[string]string{"SERVICE_BOT_PAT": "low"},
		map[string]forge.Client{"low": lowBudget},
	)

	got := r.Resolve(context.Background(), primary)

	assert.Same(t, forge.Client(primary), got, "depleted primary still serves")
	assert.True(t, r.Depleted())
	assert.Empty(t, r.SwitchedSource())
}
