package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/surveyhelp/backend/internal/withdrawal"
)

var resolveCmd = &cobra.Command{
	Use:       "resolve <withdrawal-id> <approve|reject>",
	Short:     "Approve or reject a manual withdrawal",
	Long:      `Approve records the external transfer reference (--ref is required). Reject refunds the marks.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{withdrawal.ActionApprove, withdrawal.ActionReject},
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid withdrawal id: %w", err)
		}
		ref, _ := cmd.Flags().GetString("ref")
		reason, _ := cmd.Flags().GetString("reason")

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
		res, err := o.Resolve(ctx, id, args[1], ref, reason)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().String("ref", "", "external transfer reference (approve)")
	resolveCmd.Flags().String("reason", "", "rejection reason (reject)")
}
