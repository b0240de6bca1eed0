package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and inspect scrape jobs",
}

// -- job create --

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a scrape job from segmentation filters",
	Long:  "Creates a job in running state at stage 1. Filters come from a YAML or JSON file and/or repeated --filter key=value pairs.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("filters")
		pairs, _ := cmd.Flags().GetStringArray("filter")
		filters, err := buildFilters(path, pairs)
		if err != nil {
			return err
		}

		return withStore(ctx, func(st store.Store) error {
			job, err := st.CreateJob(ctx, filters)
			if err != nil {
				return eris.Wrap(err, "job create")
			}
			return printJSON(os.Stdout, job)
		})
	},
}

// -- job list --

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scrape jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := store.JobFilter{Status: model.JobStatus(status), Limit: limit}
		if status != "" && !filter.Status.Valid() {
			return eris.Errorf("job list: unknown status %q", status)
		}

		return withStore(ctx, func(st store.Store) error {
			list, err := st.ListJobs(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "job list")
			}
			if len(list) == 0 {
				fmt.Fprintln(os.Stderr, "No jobs found.")
				return nil
			}
			formatJobsList(os.Stdout, list)
			return nil
		})
	},
}

// -- job show --

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its staged counts and unit errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		return withStore(ctx, func(st store.Store) error {
			job, err := st.GetJob(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "job show")
			}
			stats, err := st.GetJobStats(ctx, job.ID)
			if err != nil {
				return eris.Wrap(err, "job show: stats")
			}
			unitErrors, err := st.ListUnitErrors(ctx, job.ID)
			if err != nil {
				return eris.Wrap(err, "job show: unit errors")
			}
			return printJSON(os.Stdout, jobDetail{Job: job, Stats: stats, UnitErrors: unitErrors})
		})
	},
}

type jobDetail struct {
	*model.Job
	Stats      *model.JobStats   `json:"stats"`
	UnitErrors []model.UnitError `json:"unitErrors"`
}

func init() {
	jobCreateCmd.Flags().String("filters", "", "path to a YAML or JSON filter file")
	jobCreateCmd.Flags().StringArray("filter", nil, "filter as key=value (repeatable; a repeated key becomes a list)")

	jobListCmd.Flags().String("status", "", "filter by job status (running, paused, stopped, done, error)")
	jobListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	rootCmd.AddCommand(jobCmd)
}

// buildFilters merges a filter file with key=value pairs into a JSON object.
// Pairs override file keys.
func buildFilters(path string, pairs []string) (json.RawMessage, error) {
	filters := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrap(err, "read filters")
		}
		parsed, err := parseFilters(data)
		if err != nil {
			return nil, err
		}
		filters = parsed
	}

	fromPairs := map[string][]string{}
	var order []string
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, eris.Errorf("invalid --filter %q: want key=value", p)
		}
		if _, seen := fromPairs[key]; !seen {
			order = append(order, key)
		}
		fromPairs[key] = append(fromPairs[key], strings.TrimSpace(value))
	}
	for _, key := range order {
		if vals := fromPairs[key]; len(vals) == 1 {
			filters[key] = vals[0]
		} else {
			filters[key] = vals
		}
	}

	if len(filters) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(filters)
	if err != nil {
		return nil, eris.Wrap(err, "encode filters")
	}
	return out, nil
}

// parseFilters decodes a YAML (or JSON) document that must be a mapping.
func parseFilters(data []byte) (map[string]any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "parse filters")
	}
	if doc == nil {
		return map[string]any{}, nil
	}
	m, ok := jsonable(doc).(map[string]any)
	if !ok {
		return nil, eris.New("parse filters: document must be a mapping")
	}
	return m, nil
}

// jsonable converts YAML mappings with non-string keys into JSON objects.
func jsonable(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonable(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonable(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonable(val)
		}
		return t
	}
	return v
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, list []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tPROCESSED\tUPDATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t---------\t-------\t-----")

	for _, j := range list {
		lastErr := j.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(j.ID),
			j.Status,
			j.Stage,
			j.ProcessedCount,
			j.UpdatedAt.Format("2006-01-02 15:04"),
			lastErr,
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
