package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/export"
	"github.com/sells-group/registry-cli/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export normalized account rows for a job",
	Long:  "Normalizes every staged raw financial payload of a job into (orgnr, year, period, account_code, amount) rows and writes them as XLSX or JSON lines.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		sheet, _ := cmd.Flags().GetString("sheet")
		format, err := exportFormat(format, out)
		if err != nil {
			return err
		}

		return withStore(ctx, func(st store.Store) error {
			exporter := export.NewExporter(st)

			var res export.Result
			switch format {
			case "xlsx":
				sink, err := export.NewXLSXSink(out, sheet)
				if err != nil {
					return err
				}
				if res, err = exporter.Export(ctx, args[0], sink); err != nil {
					return eris.Wrap(err, "export")
				}
				if err := sink.Close(); err != nil {
					return err
				}
			case "jsonl":
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return eris.Wrap(err, "export: create output")
					}
					defer f.Close() //nolint:errcheck
					w = f
				}
				if res, err = exporter.Export(ctx, args[0], export.NewJSONLSink(w)); err != nil {
					return eris.Wrap(err, "export")
				}
			}

			fmt.Fprintf(os.Stderr, "exported %d rows from %d records (%d without accounts)\n", res.Rows, res.Records, res.Empty)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output path (xlsx requires one; jsonl defaults to stdout)")
	exportCmd.Flags().String("format", "", "output format: xlsx or jsonl (default from --out extension, else jsonl)")
	exportCmd.Flags().String("sheet", "accounts", "worksheet name for xlsx output")
	rootCmd.AddCommand(exportCmd)
}

// exportFormat resolves the output format from the flag or the output path.
func exportFormat(format, out string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		if strings.HasSuffix(strings.ToLower(out), ".xlsx") {
			format = "xlsx"
		} else {
			format = "jsonl"
		}
	}
	switch format {
	case "xlsx":
		if out == "" || out == "-" {
			return "", eris.New("export: xlsx output requires --out")
		}
	case "jsonl":
	default:
		return "", eris.Errorf("export: unknown format %q", format)
	}
	return format, nil
}
