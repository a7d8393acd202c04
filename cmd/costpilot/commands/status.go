package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/costpilot/costpilot/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the status of an execution",
		Long: `Show the current state of an execution: its state machine status,
validation findings, staged rollout progress, and failure summary.

With --events the append-only audit trail is printed as well.`,
		Example: `  # Show execution status
  costpilot status 7f3e9a12-...

  # Include the audit trail
  costpilot status 7f3e9a12-... --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()

			var record engine.ExecutionRecord
			if err := client.get(cmd.Context(), executionPath(args[0], ""), &record); err != nil {
				return err
			}

			var events []engine.AuditEvent
			if showEvents {
				if err := client.get(cmd.Context(), executionPath(args[0], "events"), &events); err != nil {
					return err
				}
			}

			if jsonOutput {
				if showEvents {
					return printJSON(map[string]interface{}{"execution": record, "events": events})
				}
				return printJSON(record)
			}

			printRecord(&record)
			if showEvents {
				fmt.Println("\nEvents:")
				for i := range events {
					printEvent(&events[i])
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the audit trail")

	return cmd
}

func printRecord(record *engine.ExecutionRecord) {
	fmt.Printf("Execution:      %s\n", record.ID)
	fmt.Printf("Status:         %s\n", record.Status)
	fmt.Printf("Action:         %s on %s\n", record.Request.ActionType, record.Request.TargetResourceID)
	fmt.Printf("Recommendation: %s\n", record.Request.RecommendationID)
	fmt.Printf("Risk:           %s\n", record.Request.RiskLevel)
	fmt.Printf("Created:        %s\n", record.CreatedAt.Format(time.RFC3339))
	if record.CompletedAt != nil {
		fmt.Printf("Completed:      %s\n", record.CompletedAt.Format(time.RFC3339))
	}

	if vr := record.ValidationResult; vr != nil && (len(vr.Errors) > 0 || len(vr.Warnings) > 0) {
		fmt.Println("\nValidation:")
		for _, issue := range vr.Errors {
			fmt.Printf("  error   [%s] %s\n", issue.Check, issue.Message)
		}
		for _, issue := range vr.Warnings {
			fmt.Printf("  warning [%s] %s\n", issue.Check, issue.Message)
		}
	}

	if len(record.StageHistory) > 0 {
		fmt.Println("\nStages:")
		for _, stage := range record.StageHistory {
			line := fmt.Sprintf("  %3d%%  %-9s  attempts=%d  health=%.2f", stage.Stage, stage.Outcome, stage.Attempts, stage.HealthBefore)
			if stage.HealthAfter != nil {
				line += fmt.Sprintf("->%.2f", *stage.HealthAfter)
			}
			if stage.Error != "" {
				line += "  " + stage.Error
			}
			fmt.Println(line)
		}
	}

	if record.Error != nil {
		fmt.Printf("\nFailure: %s", record.Error.Message)
		if record.Error.RollbackAttempted {
			if record.Error.RollbackSucceeded {
				fmt.Print(" (rolled back)")
			} else {
				fmt.Print(" (rollback FAILED, manual intervention required)")
			}
		}
		fmt.Println()
	}
}

func printEvent(event *engine.AuditEvent) {
	line := fmt.Sprintf("  %s  %-22s", event.Timestamp.Format(time.RFC3339), event.Type)
	if event.FromStatus != "" || event.ToStatus != "" {
		line += fmt.Sprintf("  %s -> %s", event.FromStatus, event.ToStatus)
	}
	if event.Message != "" {
		line += "  " + event.Message
	}
	fmt.Println(line)
}
