package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surveyhelp/backend/internal/config"
	"github.com/surveyhelp/backend/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the schema migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		cfg, err := config.Read(configDir)
		if err != nil {
			return err
		}
		version, err := database.MigrateSchema(cfg.DB.URL, direction)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrate %s done, version %d\n", direction, version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
