package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/store"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize [file.json|-]",
	Short: "Print the account rows derived from raw financial payloads",
	Long:  "Normalizes a raw payload read from a file (or stdin with -), or every staged record of one company with --job and --orgnr.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		jobID, _ := cmd.Flags().GetString("job")
		orgnr, _ := cmd.Flags().GetString("orgnr")
		year, _ := cmd.Flags().GetInt("year")
		period, _ := cmd.Flags().GetString("period")

		if jobID == "" {
			if len(args) != 1 {
				return eris.New("normalize: pass a payload file or --job with --orgnr")
			}
			var in io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return eris.Wrap(err, "normalize: open payload")
				}
				defer f.Close() //nolint:errcheck
				in = f
			}
			return normalizePayload(in, os.Stdout, model.FinancialRecord{Orgnr: orgnr, Year: year, Period: period})
		}

		if orgnr == "" {
			return eris.New("normalize: --orgnr is required with --job")
		}
		return withStore(ctx, func(st store.Store) error {
			recs, err := st.GetFinancialRecordsWithRawData(ctx, jobID, orgnr)
			if err != nil {
				return eris.Wrap(err, "normalize")
			}
			rows := []model.AccountRow{}
			for _, rec := range recs {
				rows = append(rows, normalize.Rows(rec)...)
			}
			return printJSON(os.Stdout, rows)
		})
	},
}

func init() {
	normalizeCmd.Flags().String("job", "", "normalize staged records of this job")
	normalizeCmd.Flags().String("orgnr", "", "organization number (labels file rows; selects records with --job)")
	normalizeCmd.Flags().Int("year", 0, "year label for file rows")
	normalizeCmd.Flags().String("period", "annual", "period label for file rows")
	rootCmd.AddCommand(normalizeCmd)
}

// normalizePayload reads one raw payload from in and writes its rows as a
// JSON array, labelled with the fields of rec.
func normalizePayload(in io.Reader, out io.Writer, rec model.FinancialRecord) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return eris.Wrap(err, "normalize: read payload")
	}
	rec.RawJSON = raw
	return printJSON(out, normalize.Rows(rec))
}
