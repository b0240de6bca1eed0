package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/metrics"
	"github.com/sells-group/registry-cli/internal/source"
	"github.com/sells-group/registry-cli/internal/stage"
	"github.com/sells-group/registry-cli/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run the remaining stages of a job in the foreground",
	Long:  "Executes stages from the job's current stage until it completes, fails, or is paused or stopped by a control action. Interrupting the command leaves the job resumable.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Stages.Workers = workers
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withStore(ctx, func(st store.Store) error {
			runner, err := buildRunner(st, nil)
			if err != nil {
				return err
			}

			summaries, err := runner.Run(ctx, args[0])
			formatSummaries(os.Stdout, summaries)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					zap.L().Info("run interrupted", zap.String("job_id", args[0]))
					return nil
				}
				return eris.Wrap(err, "run")
			}

			job, err := st.GetJob(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "run: reload job")
			}
			fmt.Fprintf(os.Stdout, "\njob %s: %s at %s (%d processed)\n", job.ID, job.Status, job.Stage, job.ProcessedCount)
			return nil
		})
	},
}

func init() {
	runCmd.Flags().Int("workers", 0, "worker pool size per stage (0 uses stages.workers)")
	rootCmd.AddCommand(runCmd)
}

// buildRunner wires the registry source and state machine into a stage
// runner. m may be nil.
func buildRunner(st store.Store, m *metrics.Metrics) (*stage.Runner, error) {
	src, err := source.NewHTTPSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	machine, err := newMachine(st)
	if err != nil {
		return nil, err
	}
	return stage.NewRunner(st, src.WithMetrics(m), machine, cfg.Stages).WithMetrics(m), nil
}

// formatSummaries writes one line per executed stage pass.
func formatSummaries(out io.Writer, summaries []stage.Summary) {
	if len(summaries) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tPROCESSED\tSKIPPED\tFAILED")
	_, _ = fmt.Fprintln(w, "-----\t---------\t-------\t------")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Stage, s.Processed, s.Skipped, s.Failed)
	}
	_ = w.Flush()
}
