package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/db"
	"github.com/teranos/segpulse/display"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// DbCmd groups database maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: logger.SymDB + " Manage the segpulse database",
	Long: logger.SymDB + ` db - database maintenance

Examples:
  segpulse db migrate            # Apply pending migrations and list applied ones
  segpulse db migrate --db-path /tmp/jobs.db`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbMigratePath string

func init() {
	dbMigrateCmd.Flags().StringVar(&dbMigratePath, "db-path", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg, dbMigratePath)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return errors.Wrap(err, "failed to read applied migrations")
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), versions)
	}

	rows := make([][]string, 0, len(versions))
	for i, v := range versions {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), v})
	}
	if err := display.Table(cmd.OutOrStdout(), []string{"#", "MIGRATION"}, rows); err != nil {
		return err
	}
	pterm.Success.Printf("Database is at migration %d\n", len(versions))
	return nil
}
