package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratum-cloud/stratum/pkg/config"
	"github.com/stratum-cloud/stratum/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with Rego policies",
	}

	cmd.AddCommand(newPolicyValidateCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Compile custom policies without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if err := engine.LoadPolicies(cmd.Context(), args); err != nil {
				return fmt.Errorf("policy validation failed: %w", err)
			}
			fmt.Printf("%d policies compiled\n", len(engine.ListPolicies()))
			return nil
		},
	}
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return err
				}
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-28s %-8s %s\n", p.Name, state, p.Description)
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
