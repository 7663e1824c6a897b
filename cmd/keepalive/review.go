package main

import (
	"strings"

	"github.com/spf13/cobra"

	"keepalive/pkg/llm"
	"keepalive/pkg/plan"
	"keepalive/pkg/state"
)

func newReviewCommand() *cobra.Command {
	var pr int

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Grade recent commits against the task checklist",
		Long: `Review runs the progress reviewer on demand: it compares the PR's
commits and changed files against the checklist and prints the
continue/redirect/stop verdict as JSON, without waiting for the
no-progress threshold.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			pull, err := client.GetPR(ctx, pr)
			if err != nil {
				return err
			}
			snap, err := state.NewStore(client).Load(ctx, pr, "")
			if err != nil {
				return err
			}

			pl := plan.Parse(pull.Body)
			in := llm.ReviewInput{Rounds: snap.State.RoundsWithoutTaskCompletion}
			for _, sec := range []plan.Section{pl.Tasks, pl.Acceptance} {
				for _, item := range sec.Items {
					in.Criteria = append(in.Criteria, item.Text)
				}
			}

			base, head := pull.BaseSHA, pull.HeadSHA
			if base == "" {
				base = pull.BaseBranch
			}
			if head == "" {
				head = pull.HeadBranch
			}
			if cmp, err := client.CompareCommits(ctx, base, head); err == nil && cmp != nil {
				for _, c := range cmp.Commits {
					in.Commits = append(in.Commits, firstLine(c.Message))
				}
				for _, f := range cmp.Files {
					in.Files = append(in.Files, f.Filename)
				}
			}

			res := llm.NewReviewer(llm.DefaultChain()).Review(ctx, in)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
