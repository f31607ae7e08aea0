package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Print a user's marks and recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		marks, err := e.store.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "marks: %d\n", marks)
		if limit <= 0 {
			return nil
		}
		txs, err := e.store.ListTransactions(ctx, userID, limit)
		if err != nil {
			return err
		}
		for _, t := range txs {
			fmt.Fprintf(out, "%s  %-16s %6d  %-10s %s\n",
				t.CreatedAt.Format("2006-01-02 15:04"), t.Type, t.MarksAmount, t.Status, t.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().IntP("limit", "n", 10, "number of recent transactions to show (0 for none)")
}
