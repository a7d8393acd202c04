package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool

	// cliVersion tags telemetry emitted by the serve command.
	cliVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "costpilot",
		Short: "CostPilot - Cost Optimization Execution Engine",
		Long: `CostPilot executes approved cost-optimization recommendations against
cloud infrastructure with staged rollouts and automatic rollback.

Features:
  - Pre-execution validation (policies, schemas, dependencies, risk)
  - Approval gating for high-risk actions
  - Staged canary rollout (10% / 50% / 100%) with health monitoring
  - Automatic rollback from pre-change snapshots
  - Durable execution state and append-only audit trail`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "CostPilot API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
