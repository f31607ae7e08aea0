package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/surveyhelp/backend/internal/auth"
	"github.com/surveyhelp/backend/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for a service or admin caller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		subject, _ := cmd.Flags().GetString("user")
		if role != auth.RoleService && role != auth.RoleAdmin && role != auth.RoleUser {
			return fmt.Errorf("unknown role %q", role)
		}
		userID := uuid.New()
		if subject != "" {
			id, err := uuid.Parse(subject)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			userID = id
		}

		cfg, err := config.Read(configDir)
		if err != nil {
			return err
		}
		svc, err := auth.NewService(nil, nil, auth.Config{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.TokenTTL}, nil)
		if err != nil {
			return err
		}
		tok, err := svc.IssueToken(userID, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("role", auth.RoleService, "token role: service, admin or user")
	tokenCmd.Flags().String("user", "", "subject user id (random when empty)")
}
