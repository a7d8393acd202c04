package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/costpilot/costpilot/pkg/config"
	"github.com/costpilot/costpilot/pkg/policy"

	"github.com/rs/zerolog"
)

func newValidateCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a service configuration file",
		Long: `Validate a CostPilot service configuration file without starting the
service. Policy files referenced by the configuration (or given with
--policy) are compiled to catch Rego errors early.`,
		Example: `  # Validate the default config location
  costpilot validate /etc/costpilot/config.yaml

  # Validate config plus extra policy files
  costpilot validate config.yaml --policy ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no config file given")
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration %s is valid\n", path)

			paths := cfg.Policy.Paths
			paths = append(paths, policyPaths...)
			if len(paths) > 0 {
				engine, err := policy.NewEngine(zerolog.Nop())
				if err != nil {
					return err
				}
				if err := engine.LoadPolicies(cmd.Context(), paths); err != nil {
					return fmt.Errorf("policy compilation failed: %w", err)
				}
				fmt.Printf("Compiled %d policies\n", len(engine.ListPolicies()))
			}

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional policy files or directories to compile")

	return cmd
}
