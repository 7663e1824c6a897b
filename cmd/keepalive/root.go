package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keepalive/pkg/config"
	"keepalive/pkg/errclass"
	"keepalive/pkg/forge"
	_ "keepalive/pkg/forge/github" // registers the GitHub client factory
	"keepalive/pkg/logx"
	"keepalive/pkg/metrics"
	"keepalive/pkg/ratelimit"
	"keepalive/pkg/retry"
)

// envSecretsPassword unlocks the encrypted credential store.
const envSecretsPassword = "KEEPALIVE_SECRETS_PASSWORD"

var cliLogger = logx.NewLogger("cli")

// rootFlags are shared by every subcommand that talks to the forge.
type rootFlags struct {
	repo  string
	token string
}

var root rootFlags

// buildClient is a seam for tests to inject a fake forge.
var buildClient = newForgeClient

// cliRecorder receives forge retry counts; run swaps in its Prometheus
// recorder, every other subcommand keeps the no-op.
var cliRecorder metrics.Recorder = metrics.Nop()

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keepalive",
		Short: "Keepalive loop control plane for agent-driven pull requests",
		Long: `Keepalive decides, once per invocation, whether a coding agent should
keep working a pull request, invokes it when the answer is yes, and
persists the loop state in the PR's own comments. The hosting scheduler
(cron, workflow_dispatch, or a webhook-triggered workflow) owns the
cadence; this binary owns one iteration.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			unlockSecretStore()
		},
	}

	cmd.PersistentFlags().StringVar(&root.repo, "repo", os.Getenv("GITHUB_REPOSITORY"),
		"repository as owner/repo (default $GITHUB_REPOSITORY)")
	cmd.PersistentFlags().StringVar(&root.token, "token", "",
		"forge API token (default $GITHUB_TOKEN, then the secret store)")

	cmd.AddCommand(
		newRunCommand(),
		newDecideCommand(),
		newReconcileCommand(),
		newReviewCommand(),
		newSummaryCommand(),
		newStateCommand(),
		newSecretsCommand(),
		newMetricsCommand(),
		newCacheCommand(),
	)
	return cmd
}

// unlockSecretStore decrypts the local credential store when a password is
// present, so later lookups prefer it over workflow env vars. Best-effort:
// a missing store or wrong password leaves the environment as the source.
func unlockSecretStore() {
	password := os.Getenv(envSecretsPassword)
	if password == "" || !config.SecretsExist(".") {
		return
	}
	if err := config.LoadSecrets([]byte(password), "."); err != nil {
		cliLogger.Warn("Could not unlock secret store: %v", err)
	}
}

// newForgeClient builds the primary client, gives the rate-limit resolver a
// chance to switch to a fallback credential, and wraps the winner with
// classified retries.
func newForgeClient(ctx context.Context) (forge.Client, error) {
	owner, repo, err := forge.ParseRepoPath(root.repo)
	if err != nil {
		return nil, fmt.Errorf("no repository: pass --repo or set GITHUB_REPOSITORY (%w)", err)
	}
	token := root.token
	if token == "" {
		token = config.GetSecret("GITHUB_TOKEN")
	}
	primary, err := forge.NewClient(forge.ClientOptions{Owner: owner, Repo: repo, Token: token})
	if err != nil {
		return nil, err
	}

	// One budget observation so the resolver has something to judge.
	if _, err := primary.CheckRateLimit(ctx); err != nil {
		cliLogger.Warn("Rate limit check failed: %v", err)
	}
	resolver := ratelimit.NewResolver(owner, repo, ratelimit.DefaultMinRequired)
	resolver.Lookup = config.GetSecret
	active := resolver.Resolve(ctx, primary)

	exec := retry.NewDefault()
	exec.OnRetry = func(_ retry.OperationClass, name string, _ int, _ time.Duration, cause *errclass.Error) {
		cliRecorder.IncForgeRetry(name, cause.Category.String())
	}
	return forge.NewRetrying(active, exec), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
