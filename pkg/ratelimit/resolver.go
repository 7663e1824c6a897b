package ratelimit

import (
	"context"
	"os"
	"sync"

	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
)

// DefaultFallbackSources is the ordered list of credential env keys consulted
// when the primary pool is depleted. The encrypted secret store may satisfy a
// key before the environment does.
var DefaultFallbackSources = []string{
	"KEEPALIVE_PAT",
	"AGENTS_AUTOMATION_PAT",
	"ACTIONS_BOT_PAT",
	"SERVICE_BOT_PAT",
}

// SecretLookup resolves a credential key to a token. Empty string means the
// key is not configured.
type SecretLookup func(key string) string

// EnvLookup is the plain environment-variable lookup.
func EnvLookup(key string) string {
	return os.Getenv(key)
}

// Resolver performs the opportunistic, one-way switch to a fallback
// credential when the primary budget is depleted. It never switches back
// within a process.
type Resolver struct {
	Threshold int          // switch when remaining drops below this
	Sources   []string     // ordered credential env keys
	Lookup    SecretLookup // credential resolution (secret store, then env)

	// factory builds a candidate client for a token; tests stub it.
	factory func(token string) (forge.Client, error)

	mu       sync.Mutex
	switched bool
	active   forge.Client
	source   string
	depleted bool
	logger   *logx.Logger
}

// NewResolver builds a resolver for the given repository.
func NewResolver(owner, repo string, threshold int) *Resolver {
	if threshold <= 0 {
		threshold = DefaultMinRequired
	}
	return &Resolver{
		Threshold: threshold,
		Sources:   DefaultFallbackSources,
		Lookup:    EnvLookup,
		factory: func(token string) (forge.Client, error) {
			return forge.NewClient(forge.ClientOptions{Owner: owner, Repo: repo, Token: token})
		},
		logger: logx.NewLogger("ratelimit"),
	}
}

// SwitchedSource returns the env key of the credential in use, or empty if
// still on the primary.
func (r *Resolver) SwitchedSource() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Depleted reports that the primary ran dry and no fallback could serve.
func (r *Resolver) Depleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depleted
}

// Resolve returns the client to use for the rest of the process. When the
// primary's remaining budget is at or above the threshold (or unknown), the
// primary is returned. Otherwise the fallback sources are walked in order;
// the first credential with budget wins. With none viable, the primary is
// returned and the depletion is flagged for the summary.
func (r *Resolver) Resolve(ctx context.Context, primary forge.Client) forge.Client {
	r.mu.Lock()
	if r.switched {
		active := r.active
		r.mu.Unlock()
		return active
	}
	r.mu.Unlock()

	snap := primary.RateLimit()
	if snap.Reset.IsZero() && snap.Remaining == 0 && snap.Limit == 0 {
		// No observation yet; nothing to act on.
		return primary
	}
	if snap.Remaining >= r.Threshold {
		return primary
	}

	r.logger.Warn("primary credential low: %d remaining (threshold %d), trying fallbacks",
		snap.Remaining, r.Threshold)

	for _, key := range r.Sources {
		token := r.Lookup(key)
		if token == "" {
			continue
		}
		candidate, err := r.factory(token)
		if err != nil {
			r.logger.Warn("fallback %s: client construction failed: %v", key, err)
			continue
		}
		budget, err := candidate.CheckRateLimit(ctx)
		if err != nil {
			r.logger.Warn("fallback %s: budget check failed: %v", key, err)
			continue
		}
		if budget.Remaining < r.Threshold {
			r.logger.Warn("fallback %s: only %d remaining, skipping", key, budget.Remaining)
			continue
		}

		r.mu.Lock()
		r.switched = true
		r.active = candidate
		r.source = key
		r.mu.Unlock()
		r.logger.Info("🔑 switched to fallback credential %s (%d remaining)", key, budget.Remaining)
		return candidate
	}

	r.mu.Lock()
	r.depleted = true
	r.mu.Unlock()
	r.logger.Warn("no viable fallback credential; continuing on depleted primary")
	return primary
}
