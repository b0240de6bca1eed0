package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/progress"
	"github.com/sells-group/registry-cli/internal/store"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <job-id>",
	Short: "Print a job progress report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		watch, _ := cmd.Flags().GetDuration("watch")

		return withStore(ctx, func(st store.Store) error {
			est := progress.NewEstimator(st, cfg.Progress)
			for {
				rep, err := est.Report(ctx, args[0])
				if err != nil {
					return eris.Wrap(err, "monitor")
				}
				if err := printJSON(os.Stdout, rep); err != nil {
					return err
				}
				if watch <= 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(watch):
				}
			}
		})
	},
}

func init() {
	monitorCmd.Flags().Duration("watch", 0, "repeat the report at this interval until interrupted (e.g. 30s)")
	rootCmd.AddCommand(monitorCmd)
}
