package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover clips whose completion callback never arrived",
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

			rep, err := a.sweeper.Sweep(context.WithoutCancel(cmd.Context()))
			if err != nil {
				return err
			}
			rows := [][]string{{
				strconv.Itoa(rep.Found),
				strconv.Itoa(rep.Recovered),
				strconv.Itoa(rep.Succeeded),
				strconv.Itoa(rep.Failed),
				strconv.Itoa(rep.Errors),
			}}
			aligns := []columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Found", "Recovered", "Succeeded", "Failed", "Errors"}, rows, aligns))
			return nil
		},
	}
}
