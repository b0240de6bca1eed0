package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/control"
	"github.com/sells-group/registry-cli/internal/store"
)

var controlCmd = &cobra.Command{
	Use:       "control <action> <job-id>",
	Short:     "Apply a control action to a job",
	Long:      "Applies a control action (" + actionUsage() + ") to a job and prints the response envelope.",
	Args:      cobra.ExactArgs(2),
	ValidArgs: actionNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stage, _ := cmd.Flags().GetString("stage")
		policy, _ := cmd.Flags().GetString("policy")
		req := control.Request{Action: args[0], JobID: args[1], Stage: stage, Policy: policy}

		return withStore(ctx, func(st store.Store) error {
			machine, err := newMachine(st)
			if err != nil {
				return err
			}
			svc := control.NewService(machine)

			resp, err := svc.Handle(ctx, req)
			if err != nil {
				_ = printJSON(os.Stdout, svc.ErrorEnvelope(req.JobID, err))
				return err
			}
			return printJSON(os.Stdout, resp)
		})
	},
}

func init() {
	controlCmd.Flags().String("stage", "", "stage hint for resume (validated, never overrides the derived stage)")
	controlCmd.Flags().String("policy", "", "restart policy: retain or purge (defaults to jobs.restart_policy)")
	rootCmd.AddCommand(controlCmd)
}

func actionNames() []string {
	names := make([]string, len(control.Actions))
	for i, a := range control.Actions {
		names[i] = string(a)
	}
	return names
}

func actionUsage() string {
	return strings.Join(actionNames(), ", ")
}
