package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCreditsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <user> <amount>",
		Short: "Add credits to a user balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, ctx.logger())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.ledger.GrantCredits(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			balance, err := a.ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, ctx.logger())
			if err != nil {
				return err
			}
			defer a.close()

			balance, err := a.ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		},
	})
	return cmd
}
