package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the staging store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(store.Store) error {
			fmt.Fprintf(os.Stderr, "%s store migrated\n", cfg.Store.Driver)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
