package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [withdrawal-id]",
	Short: "Reconcile one withdrawal, or sweep every stale one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		o, err := e.orchestrator(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid withdrawal id: %w", err)
			}
			act, err := o.Reconcile(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", id, act)
			return nil
		}

		rep, err := o.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "checked %d withdrawals, %d errors\n", rep.Checked, rep.Errors)
		for act, n := range rep.Actions {
			fmt.Fprintf(out, "  %-12s %d\n", act, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
