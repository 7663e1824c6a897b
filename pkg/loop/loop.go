// Package loop drives one keepalive iteration end to end: gather the
// signals, decide, invoke the agent runner, settle the outcome, persist
// state, and refresh the summary. Each process invocation is one iteration;
// the external scheduler owns the cadence and serialises iterations per
// pull request.
package loop

import (
	"context"
	"fmt"
	"os"
	"time"

	"keepalive/pkg/cache"
	"keepalive/pkg/config"
	"keepalive/pkg/conflict"
	"keepalive/pkg/engine"
	"keepalive/pkg/forge"
	"keepalive/pkg/llm"
	"keepalive/pkg/logx"
	"keepalive/pkg/metrics"
	"keepalive/pkg/persistence"
	"keepalive/pkg/plan"
	"keepalive/pkg/prompts"
	"keepalive/pkg/ratelimit"
	"keepalive/pkg/reconcile"
	"keepalive/pkg/registry"
	"keepalive/pkg/state"
	"keepalive/pkg/summary"
)

// Webhook event conventions, set by the hosting runner.
const (
	EnvGithubEventName = "GITHUB_EVENT_NAME"
	EnvGithubEventPath = "GITHUB_EVENT_PATH"
)

// Options configures a Loop. Client is required; everything else defaults
// from the environment.
type Options struct {
	Client forge.Client

	// Runner invokes the agent. Defaults to a subprocess runner in the
	// current directory.
	Runner Runner

	// Agents maps identity labels to runner commands. Defaults to the
	// registry file, falling back to the built-in set.
	Agents *registry.Registry

	Cache    *cache.Cache
	Chain    *llm.Chain
	Recorder metrics.Recorder
	Emitter  *metrics.FileEmitter

	// Archive receives one row per iteration; nil disables archiving.
	Archive *persistence.Archive

	Now func() time.Time
}

// Loop owns the per-iteration orchestration for one repository.
type Loop struct {
	client   forge.Client
	runner   Runner
	agents   *registry.Registry
	cache    *cache.Cache
	store    *state.Store
	detector *conflict.Detector
	analyzer *reconcile.Analyzer
	summary  *summary.Renderer
	renderer *prompts.Renderer
	chain    *llm.Chain
	reviewer *llm.Reviewer
	tracker  *ratelimit.Tracker
	recorder metrics.Recorder
	emitter  *metrics.FileEmitter
	archive  *persistence.Archive
	logger   *logx.Logger
	now      func() time.Time

	owner, repo string
}

// New wires a Loop from its options.
func New(opts Options) (*Loop, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("loop requires a forge client")
	}
	owner, repo, err := forge.ParseRepoPath(opts.Client.RepoPath())
	if err != nil {
		return nil, err
	}
	renderer, err := prompts.NewRenderer()
	if err != nil {
		return nil, err
	}

	agents := opts.Agents
	if agents == nil {
		agents, err = registry.LoadOrDefault("")
		if err != nil {
			return nil, err
		}
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewFromEnv(recorder)
	}
	chain := opts.Chain
	if chain == nil {
		chain = llm.DefaultChain()
	}
	chain = chain.WithRecorder(recorder)
	runner := opts.Runner
	if runner == nil {
		runner = NewExecRunner("")
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = metrics.NewFileEmitterFromEnv()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	store := state.NewStore(opts.Client)
	return &Loop{
		client:   opts.Client,
		runner:   runner,
		agents:   agents,
		cache:    c,
		store:    store,
		detector: conflict.NewDetector(opts.Client),
		analyzer: reconcile.NewAnalyzer(opts.Client),
		summary:  summary.NewRenderer(opts.Client, store),
		renderer: renderer,
		chain:    chain,
		reviewer: llm.NewReviewer(chain),
		tracker:  ratelimit.NewTracker(),
		recorder: recorder,
		emitter:  emitter,
		archive:  opts.Archive,
		logger:   logx.NewLogger("loop"),
		now:      nowFn,
		owner:    owner,
		repo:     repo,
	}, nil
}

// Request names the pull request one invocation operates on.
type Request struct {
	PRNumber int

	// Trace pins the attempt. Empty adopts the config block's trace, then
	// the newest marker's, then mints a fresh one.
	Trace string

	// Elapsed is the workflow wall clock already consumed when this
	// invocation started, for timeout-budget accounting.
	Elapsed time.Duration
}

// Report is what one invocation decided and did.
type Report struct {
	PRNumber   int                `json:"pr_number"`
	Trace      string             `json:"trace"`
	Decision   engine.Decision    `json:"decision"`
	Tally      plan.Tally         `json:"tally"`
	Gate       engine.GateStatus  `json:"gate"`
	Rate       ratelimit.Status   `json:"rate"`
	Outcome    *engine.RunOutcome `json:"outcome,omitempty"`
	Reconcile  *reconcile.Result  `json:"reconcile,omitempty"`
	Review     *llm.ReviewResult  `json:"review,omitempty"`
	State      state.State        `json:"state"`
	Dispatched bool               `json:"dispatched,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// signals is everything one decision needs, gathered in the mandated order:
// plan before state, state before conflict, conflict before the decision.
type signals struct {
	pr     *forge.PullRequest
	cfg    config.LoopConfig
	labels []string
	pl     *plan.Plan
	trace  string
	prior  *state.Snapshot
	legacy state.LegacyDirective
	confl  conflict.Result
	gate   engine.GateStatus
	rate   ratelimit.Status
	budget config.TimeoutBudget
}

func (s *signals) inputs() engine.Inputs {
	return engine.Inputs{
		Tally:      s.pl.Checkboxes,
		Prior:      s.prior.State,
		Gate:       s.gate,
		Conflict:   s.confl,
		RateLimit:  s.rate,
		Labels:     s.labels,
		Config:     s.cfg,
		ForceRetry: engine.ForceRetry(s.labels),
	}
}

// Evaluate gathers the signals and computes the decision without invoking
// the runner or writing anything.
func (l *Loop) Evaluate(ctx context.Context, req Request) (*Report, error) {
	sig, err := l.gather(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Report{
		PRNumber: req.PRNumber,
		Trace:    sig.trace,
		Decision: engine.Decide(sig.inputs()),
		Tally:    sig.pl.Checkboxes,
		Gate:     sig.gate,
		Rate:     sig.rate,
		State:    sig.prior.State,
	}, nil
}

func (l *Loop) gather(ctx context.Context, req Request) (*signals, error) {
	l.purgeFromEvent()

	pr, err := cache.GetOrSet(ctx, l.cache, cache.PRKey(l.owner, l.repo, req.PRNumber, "pr"), 0,
		func(ctx context.Context) (*forge.PullRequest, error) {
			return l.client.GetPR(ctx, req.PRNumber)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to load PR #%d: %w", req.PRNumber, err)
	}

	cfg := config.ParseBody(pr.Body)
	pl := plan.Parse(pr.Body)

	trace := req.Trace
	if trace == "" {
		trace = cfg.Trace
	}
	prior, err := l.store.Load(ctx, req.PRNumber, trace)
	if err != nil {
		return nil, err
	}
	// With no marker yet, webhook-era directive comments may still name the
	// trace and round this PR was running under.
	var legacy state.LegacyDirective
	if !prior.Found {
		legacy, err = l.store.FindLegacyDirective(ctx, req.PRNumber)
		if err != nil {
			l.logger.Warn("Legacy directive scan failed for PR #%d: %v", req.PRNumber, err)
		}
	}
	if trace == "" {
		switch {
		case prior.Found && state.ValidTrace(prior.State.Trace):
			trace = prior.State.Trace
		case legacy.Trace != "":
			trace = legacy.Trace
		default:
			trace = state.NewTrace()
		}
	}

	return &signals{
		pr:     pr,
		cfg:    cfg,
		labels: pr.Labels,
		pl:     pl,
		trace:  trace,
		prior:  prior,
		legacy: legacy,
		confl:  l.detector.Probe(ctx, pr),
		gate:   l.resolveGate(ctx, pr),
		rate:   l.rateStatus(),
		budget: config.ResolveTimeout(pr.Labels),
	}, nil
}

// purgeFromEvent evicts cached entries for the pull requests named by the
// triggering webhook event, so the iteration sees fresh data for exactly
// the PR that caused it.
func (l *Loop) purgeFromEvent() {
	event := os.Getenv(EnvGithubEventName)
	path := os.Getenv(EnvGithubEventPath)
	if event == "" || path == "" {
		return
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		l.logger.Debug("could not read event payload %s: %v", path, err)
		return
	}
	if n := l.cache.InvalidateEvent(l.owner, l.repo, event, payload); n > 0 {
		l.logger.Debug("evicted %d cache entries for %s event", n, event)
	}
}

// resolveGate reduces the head SHA's check runs to one verdict. Failed-job
// logs are fetched only when something blocked, so a green gate costs one
// call. An unreachable checks API degrades to pending rather than blocking
// the iteration.
func (l *Loop) resolveGate(ctx context.Context, pr *forge.PullRequest) engine.GateStatus {
	if pr.HeadSHA == "" {
		return engine.GateStatus{Conclusion: engine.GatePending}
	}
	checks, err := cache.GetOrSet(ctx, l.cache, cache.PRKey(l.owner, l.repo, pr.Number, "checks", pr.HeadSHA), 0,
		func(ctx context.Context) ([]forge.CheckRun, error) {
			return l.client.ListCheckRuns(ctx, pr.HeadSHA)
		})
	if err != nil {
		l.logger.Warn("Could not list check runs for %s: %v", shortSHA(pr.HeadSHA), err)
		return engine.GateStatus{Conclusion: engine.GatePending}
	}
	gate := engine.ResolveGate(checks, nil)
	if !gate.Blocks() {
		return gate
	}
	logs, err := l.client.ListFailedJobLogs(ctx, pr.HeadSHA)
	if err != nil {
		l.logger.Warn("Could not fetch failed job logs for %s: %v", shortSHA(pr.HeadSHA), err)
		return gate
	}
	return engine.ResolveGate(checks, logs)
}

// rateStatus folds the client's latest rate-limit observation into a
// recommendation. An empty snapshot trusts the pool; the first real call
// populates it.
func (l *Loop) rateStatus() ratelimit.Status {
	snap := l.client.RateLimit()
	if snap.Limit > 0 || !snap.Reset.IsZero() {
		l.tracker.Update(snap.Remaining, snap.Limit, snap.Reset)
	}
	return l.tracker.Status(ratelimit.DefaultMinRequired)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
