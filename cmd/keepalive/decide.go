package main

import (
	"github.com/spf13/cobra"

	"keepalive/pkg/loop"
)

func newDecideCommand() *cobra.Command {
	var (
		pr    int
		trace string
	)

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Print the decision for a pull request without acting on it",
		Long: `Decide gathers the same signals as run and prints the resulting
decision as JSON, but never invokes the agent and writes nothing back to
the PR. Useful for dry runs and for debugging why the loop waits.`,
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
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&trace, "trace", "", "attempt trace token (default: adopt the PR's)")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}
