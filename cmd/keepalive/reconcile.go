package main

import (
	"github.com/spf13/cobra"

	"keepalive/pkg/reconcile"
)

func newReconcileCommand() *cobra.Command {
	var (
		pr   int
		base string
		head string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Tick checklist items the commit history shows finished",
		Long: `Reconcile grades every unchecked task against the PR's commit
subjects and changed files, ticks the ones with enough evidence, and
updates the PR body. The match report is printed as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			res, err := reconcile.NewAnalyzer(client).Reconcile(ctx, reconcile.Inputs{
				PRNumber: pr,
				BaseSHA:  base,
				HeadSHA:  head,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&base, "base", "", "comparison base SHA (default: the PR's base)")
	cmd.Flags().StringVar(&head, "head", "", "comparison head SHA (default: the PR's head)")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}
