package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keepalive/pkg/loop"
	"keepalive/pkg/metrics"
	"keepalive/pkg/persistence"
	"keepalive/pkg/registry"
)

func newRunCommand() *cobra.Command {
	var (
		pr          int
		trace       string
		elapsed     time.Duration
		workDir     string
		agentsFile  string
		archivePath string
		workflow    string
		workflowRef string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one keepalive iteration against a pull request",
		Long: `Run gathers the PR's signals, decides, invokes the agent when the
decision calls for it, persists the loop state, and refreshes the status
comment. The report is printed as JSON. A rate-limited summary update
fails the command so the hosting workflow step goes red.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			recorder := metrics.NewPrometheusRecorder()
			cliRecorder = recorder

			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			agents, err := registry.LoadOrDefault(agentsFile)
			if err != nil {
				return err
			}

			emitter := metrics.NewFileEmitterFromEnv()
			opts := loop.Options{
				Client:   client,
				Agents:   agents,
				Recorder: recorder,
				Emitter:  emitter,
			}
			if workflow != "" {
				opts.Runner = loop.NewDispatchRunner(client, workflow, workflowRef)
			} else {
				opts.Runner = loop.NewExecRunner(workDir)
			}
			if archivePath != "" {
				archive, err := persistence.Open(archivePath)
				if err != nil {
					cliLogger.Warn("Iteration archive unavailable: %v", err)
				} else {
					opts.Archive = archive
					defer archive.Close()
				}
			}

			l, err := loop.New(opts)
			if err != nil {
				return err
			}
			rep, err := l.Iterate(ctx, loop.Request{PRNumber: pr, Trace: trace, Elapsed: elapsed})
			if err != nil {
				return err
			}
			writeMetricsSnapshot(recorder, emitter)
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}

	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	cmd.Flags().StringVar(&trace, "trace", "", "attempt trace token (default: adopt the PR's)")
	cmd.Flags().DurationVar(&elapsed, "elapsed", 0, "workflow wall clock already consumed, for timeout budgeting")
	cmd.Flags().StringVar(&workDir, "workdir", "", "agent working directory (default: current directory)")
	cmd.Flags().StringVar(&agentsFile, "agents", "", "agents.yaml path (default $KEEPALIVE_AGENTS_FILE, then .keepalive/agents.yaml)")
	cmd.Flags().StringVar(&archivePath, "archive", os.Getenv("KEEPALIVE_ARCHIVE_PATH"),
		"iteration archive database path (empty disables archiving)")
	cmd.Flags().StringVar(&workflow, "dispatch-workflow", "",
		"hand the agent run to this workflow file instead of a local subprocess")
	cmd.Flags().StringVar(&workflowRef, "dispatch-ref", "main", "git ref for --dispatch-workflow")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

// writeMetricsSnapshot renders the Prometheus registry next to the NDJSON
// file so a workflow step can upload both artifacts together.
func writeMetricsSnapshot(recorder *metrics.PrometheusRecorder, emitter *metrics.FileEmitter) {
	if !emitter.Enabled() {
		return
	}
	text, err := metrics.Snapshot(recorder.Registry())
	if err != nil {
		cliLogger.Warn("Metrics snapshot failed: %v", err)
		return
	}
	path := snapshotPath(emitter.Path())
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		cliLogger.Warn("Could not write metrics snapshot %s: %v", path, err)
	}
}

func snapshotPath(ndjsonPath string) string {
	ext := filepath.Ext(ndjsonPath)
	return strings.TrimSuffix(ndjsonPath, ext) + ".prom"
}
