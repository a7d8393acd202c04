package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCommand() *cobra.Command {
	var (
		reject bool
		actor  string
	)

	cmd := &cobra.Command{
		Use:   "approve <execution-id>",
		Short: "Resolve a pending approval",
		Long: `Approve or reject an execution that is waiting on the approval gate.

Approved executions proceed to the staged rollout. Rejected executions
terminate without any change being applied.`,
		Example: `  # Approve an execution
  costpilot approve 7f3e9a12-... --actor alex

  # Reject it instead
  costpilot approve 7f3e9a12-... --reject --actor alex`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := "approved"
			if reject {
				decision = "rejected"
			}

			body := map[string]string{"decision": decision, "actor": actor}
			var resp map[string]string
			if err := newAPIClient().post(cmd.Context(), executionPath(args[0], "approve"), body, &resp); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Execution %s %s\n", args[0], decision)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&actor, "actor", "", "who is making the decision")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}
