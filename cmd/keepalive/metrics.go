package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keepalive/pkg/metrics"
)

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect iteration metrics",
	}
	cmd.AddCommand(newMetricsSnapshotCommand(), newMetricsQueryCommand())
	return cmd
}

func newMetricsSnapshotCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Render the NDJSON metrics file as Prometheus text",
		Long: `Snapshot replays the per-iteration NDJSON records through a fresh
registry and prints the aggregated counters and histograms in
Prometheus exposition format.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("no metrics file: pass --file or set %s", metrics.EnvMetricsPath)
			}
			records, err := metrics.NewFileEmitter(file).ReadAll()
			if err != nil {
				return err
			}
			rec := metrics.NewPrometheusRecorder()
			for _, r := range records {
				rec.ObserveIteration(r.PRNumber, r.Action, r.ErrorCategory, time.Duration(r.DurationMS)*time.Millisecond)
			}
			text, err := metrics.Snapshot(rec.Registry())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", os.Getenv(metrics.EnvMetricsPath), "NDJSON metrics file")
	return cmd
}

func newMetricsQueryCommand() *cobra.Command {
	var (
		promURL string
		pr      int
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query a Prometheus server for a PR's loop metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := metrics.NewQueryService(promURL)
			if err != nil {
				return err
			}
			lm, err := svc.GetLoopMetrics(cmd.Context(), pr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lm)
		},
	}

	cmd.Flags().StringVar(&promURL, "prometheus-url", "http://localhost:9090", "Prometheus base URL")
	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}
