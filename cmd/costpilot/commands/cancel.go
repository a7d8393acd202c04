package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cooperative cancellation of an execution",
		Long: `Request cancellation of a queued or running execution.

Cancellation is cooperative: an execution waiting on validation or
approval stops immediately, while a running rollout stops at the next
stage boundary. Stages already applied are not reverted; use
'costpilot rollback' for that.`,
		Example: `  costpilot cancel 7f3e9a12-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]bool
			if err := newAPIClient().post(cmd.Context(), executionPath(args[0], "cancel"), nil, &resp); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Cancellation requested for %s\n", args[0])
			return nil
		},
	}

	return cmd
}
