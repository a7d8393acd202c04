package commands

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/costpilot/costpilot/pkg/engine"
)

func newHistoryCommand() *cobra.Command {
	var (
		target string
		status string
		since  string
		until  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past and in-flight executions",
		Long: `List executions, newest first. Results can be filtered by target
resource, status, and time range, and paginated with --limit/--offset.`,
		Example: `  # Last 20 executions
  costpilot history --limit 20

  # Everything that touched one resource
  costpilot history --target i-0abc123

  # Failed executions this month
  costpilot history --status failed --since 2026-08-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if target != "" {
				query.Set("target", target)
			}
			if status != "" {
				query.Set("status", status)
			}
			if since != "" {
				query.Set("since", since)
			}
			if until != "" {
				query.Set("until", until)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				query.Set("offset", strconv.Itoa(offset))
			}

			path := "/api/v1/executions"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var summaries []engine.ExecutionSummary
			if err := newAPIClient().get(cmd.Context(), path, &summaries); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(summaries)
			}

			if len(summaries) == 0 {
				fmt.Println("No executions found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tTARGET\tSTATUS\tRISK\tCREATED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.ActionType, s.TargetResourceID, s.Status, s.RiskLevel,
					s.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "filter by target resource ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by execution status")
	cmd.Flags().StringVar(&since, "since", "", "only executions created at or after this RFC3339 time")
	cmd.Flags().StringVar(&until, "until", "", "only executions created before this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of results to skip")

	return cmd
}
