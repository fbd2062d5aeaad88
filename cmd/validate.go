package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newValidateCmd creates the 'validate' subcommand. Loading the configuration already
// validated it, so this prints the effective values and checks the rule pack.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validates and prints the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := appInstance.GetConfig().Describe(out); err != nil {
				return err
			}
			summary, err := appInstance.CheckRules()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nrules ok: %d triggers, %d entity categories\n", summary.Triggers, summary.EntityCategories)
			return nil
		},
	}
}
