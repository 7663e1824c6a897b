package main

import (
	"github.com/spf13/cobra"

	"keepalive/pkg/cache"
	"keepalive/pkg/metrics"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the GitHub API response cache",
	}
	cmd.AddCommand(newCacheStatsCommand())
	return cmd
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache configuration and counters as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cache.NewFromEnv(metrics.Nop())
			out := struct {
				DefaultTTL string      `json:"default_ttl"`
				Stats      cache.Stats `json:"stats"`
			}{
				DefaultTTL: c.DefaultTTLValue().String(),
				Stats:      c.Stats(),
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
