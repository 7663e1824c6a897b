package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"keepalive/pkg/state"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the loop state marker",
	}
	cmd.AddCommand(newStateShowCommand(), newStateResetCommand())
	return cmd
}

func newStateShowCommand() *cobra.Command {
	var (
		pr    int
		trace string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted state as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			snap, err := state.NewStore(client).Load(ctx, pr, trace)
			if err != nil {
				return err
			}
			if !snap.Found {
				return fmt.Errorf("no state marker on PR #%d", pr)
			}
			return printJSON(cmd.OutOrStdout(), snap.State)
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&trace, "trace", "", "trace identifier (defaults to the marker's trace)")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

func newStateResetCommand() *cobra.Command {
	var (
		pr    int
		trace string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Start a fresh round, keeping only loop identity",
		Long: `Reset overwrites the state marker with a minimal payload: iteration
counters, failure streaks, and attempt history are dropped, and the
round number is bumped so history queries can tell the eras apart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			store := state.NewStore(client)
			prior, err := store.Load(ctx, pr, trace)
			if err != nil {
				return err
			}
			resetTrace := trace
			if resetTrace == "" {
				resetTrace = prior.State.Trace
			}
			round := prior.State.Round + 1
			if err := store.Reset(ctx, pr, resetTrace, round); err != nil {
				return err
			}
			cliLogger.Info("🔄 Reset PR #%d to round %d (trace %s)", pr, round, resetTrace)
			return nil
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&trace, "trace", "", "trace identifier (defaults to the marker's trace)")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}
