package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSubmitCommand() *cobra.Command {
	var (
		recommendationID string
		actionType       string
		targetID         string
		params           string
		riskLevel        string
		requiresApproval bool
		environment      string
		labels           map[string]string
		submittedBy      string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a cost-optimization execution request",
		Long: `Submit an execution request for an approved recommendation.

The request is validated, optionally gated on human approval, and then
applied through a staged rollout. Submission returns the execution ID;
use 'costpilot status' to follow progress.`,
		Example: `  # Resize a workload
  costpilot submit --recommendation rec-42 --action resize_workload \
    --target i-0abc123 --params '{"instance_type":"m5.large","replicas":4}'

  # Terminate an idle resource, requiring approval first
  costpilot submit --recommendation rec-43 --action terminate_resource \
    --target i-0def456 --risk high --requires-approval \
    --environment production --label team=platform`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"recommendation_id":  recommendationID,
				"action_type":        actionType,
				"target_resource_id": targetID,
				"risk_level":         riskLevel,
				"requires_approval":  requiresApproval,
			}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params must be valid JSON")
				}
				body["parameters"] = json.RawMessage(params)
			}
			if environment != "" {
				body["environment"] = environment
			}
			if len(labels) > 0 {
				body["labels"] = labels
			}
			if submittedBy != "" {
				body["submitted_by"] = submittedBy
			}

			var resp struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := newAPIClient().post(cmd.Context(), "/api/v1/executions", body, &resp); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Execution %s accepted (status: %s)\n", resp.ID, resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&recommendationID, "recommendation", "", "recommendation ID this action implements")
	cmd.Flags().StringVar(&actionType, "action", "", "action type (terminate_resource, resize_workload, migrate_pricing_model, update_runtime_config)")
	cmd.Flags().StringVar(&targetID, "target", "", "target resource ID")
	cmd.Flags().StringVar(&params, "params", "", "action parameters as a JSON object")
	cmd.Flags().StringVar(&riskLevel, "risk", "low", "risk level (low, medium, high)")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "gate execution on human approval")
	cmd.Flags().StringVar(&environment, "environment", "", "deployment environment of the target")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "target labels (key=value)")
	cmd.Flags().StringVar(&submittedBy, "submitted-by", "", "submitting user or system")

	_ = cmd.MarkFlagRequired("recommendation")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
