package main

import (
	"github.com/spf13/cobra"

	"keepalive/pkg/config"
	"keepalive/pkg/loop"
	"keepalive/pkg/state"
	"keepalive/pkg/summary"
)

func newSummaryCommand() *cobra.Command {
	var (
		pr    int
		trace string
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Rewrite the status comment from current signals",
		Long: `Summary recomputes the decision for a PR and rewrites its status
comment to match, without invoking an agent or touching the state
marker. Useful after manual edits to the PR body or labels.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			l, err := loop.New(loop.Options{Client: client})
			if err != nil {
				return err
			}
			rep, err := l.Evaluate(ctx, loop.Request{PRNumber: pr, Trace: trace})
			if err != nil {
				return err
			}
			pull, err := client.GetPR(ctx, pr)
			if err != nil {
				return err
			}

			in := summary.Input{
				PRNumber:  pr,
				Labels:    pull.Labels,
				Decision:  rep.Decision,
				State:     rep.State,
				Tally:     rep.Tally,
				Gate:      rep.Gate,
				Config:    config.ParseBody(pull.Body),
				Timeout:   config.ResolveTimeout(pull.Labels),
				Rate:      rep.Rate,
				CommitSHA: pull.HeadSHA,
			}
			renderer := summary.NewRenderer(client, state.NewStore(client))
			if err := renderer.Update(ctx, in); err != nil {
				return err
			}
			cliLogger.Info("📝 Summary refreshed for PR #%d", pr)
			return nil
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&trace, "trace", "", "trace identifier (defaults to the marker's trace)")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}
