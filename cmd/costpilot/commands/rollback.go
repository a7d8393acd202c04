package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/costpilot/costpilot/pkg/engine"
)

func newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <execution-id>",
		Short: "Roll back a completed or failed execution",
		Long: `Revert an execution by restoring the pre-change snapshot captured
before its first mutating stage.

Rollback applies to executions that have finished (completed or failed
with applied stages). The restored state is verified; if verification
fails, the execution is flagged for manual intervention.`,
		Example: `  costpilot rollback 7f3e9a12-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var outcome engine.RollbackOutcome
			if err := newAPIClient().post(cmd.Context(), executionPath(args[0], "rollback"), nil, &outcome); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(outcome)
			}

			if outcome.Succeeded {
				fmt.Printf("Execution %s rolled back (%d steps, verified=%v)\n",
					args[0], outcome.StepsCompleted, outcome.Verified)
			} else {
				fmt.Printf("Rollback of %s failed after %d steps: %s\n",
					args[0], outcome.StepsCompleted, outcome.Error)
			}
			return nil
		},
	}

	return cmd
}
